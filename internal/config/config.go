// ABOUTME: Configuration loading and parsing for matrix-wechat
// ABOUTME: YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "MATRIX_WECHAT_CONFIG"

// Config represents the complete matrix-wechat configuration
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver" toml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice" toml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge" toml:"bridge"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// HomeserverConfig points at the Matrix homeserver
type HomeserverConfig struct {
	Address string `yaml:"address" toml:"address"`
	Domain  string `yaml:"domain" toml:"domain"`
}

// AppServiceConfig holds the appservice registration and listener settings
type AppServiceConfig struct {
	// Address is the URL the homeserver uses to reach this bridge.
	Address  string `yaml:"address" toml:"address"`
	Hostname string `yaml:"hostname" toml:"hostname"`
	Port     int    `yaml:"port" toml:"port"`

	ID             string `yaml:"id" toml:"id"`
	BotUsername    string `yaml:"bot_username" toml:"bot_username"`
	BotDisplayname string `yaml:"bot_displayname" toml:"bot_displayname"`
	BotAvatar      string `yaml:"bot_avatar" toml:"bot_avatar"`
	ASToken        string `yaml:"as_token" toml:"as_token"`
	HSToken        string `yaml:"hs_token" toml:"hs_token"`

	Provisioning ProvisioningConfig `yaml:"provisioning" toml:"provisioning"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
}

// ProvisioningConfig holds provisioning API settings
type ProvisioningConfig struct {
	Prefix       string `yaml:"prefix" toml:"prefix"`
	SharedSecret string `yaml:"shared_secret" toml:"shared_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Type is "sqlite" (pure Go) or "sqlite3" (cgo).
	Type string `yaml:"type" toml:"type"`
	URI  string `yaml:"uri" toml:"uri"`
}

// BridgeConfig holds bridge behavior
type BridgeConfig struct {
	// ListenAddress is where the WeChat agent connects.
	ListenAddress string `yaml:"listen_address" toml:"listen_address"`
	ListenSecret  string `yaml:"listen_secret" toml:"listen_secret"`

	UserPrefix          string `yaml:"user_prefix" toml:"user_prefix"`
	CommandPrefix       string `yaml:"command_prefix" toml:"command_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template" toml:"displayname_template"`
	MaxConcurrency      int    `yaml:"max_concurrency" toml:"max_concurrency"`

	MaxEventAge    time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	ReplayWindow   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	MaxEventAgeRaw    string `yaml:"max_event_age" toml:"max_event_age"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	ReplayWindowRaw   string `yaml:"replay_window" toml:"replay_window"`

	Encryption            EncryptionConfig     `yaml:"encryption" toml:"encryption"`
	DoublePuppetServerMap map[string]string    `yaml:"double_puppet_server_map" toml:"double_puppet_server_map"`
	Permissions           map[string]string    `yaml:"permissions" toml:"permissions"`
	ManagementRoomText    ManagementRoomConfig `yaml:"management_room_text" toml:"management_room_text"`
}

// EncryptionConfig controls the m.room.encryption state of new portals
type EncryptionConfig struct {
	Allow   bool `yaml:"allow" toml:"allow"`
	Default bool `yaml:"default" toml:"default"`
}

// ManagementRoomConfig holds the management room welcome messages
type ManagementRoomConfig struct {
	Welcome            string `yaml:"welcome" toml:"welcome"`
	WelcomeConnected   string `yaml:"welcome_connected" toml:"welcome_connected"`
	WelcomeUnconnected string `yaml:"welcome_unconnected" toml:"welcome_unconnected"`
}

// TailscaleConfig holds Tailscale tsnet configuration for the agent listener
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for tools that fill in missing values
// such as the registration generator.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes config text, applies defaults and parses durations. It does
// not validate.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field that has a default.
func (c *Config) ApplyDefaults() {
	as := &c.AppService
	if as.Hostname == "" {
		as.Hostname = "0.0.0.0"
	}
	if as.Port == 0 {
		as.Port = 17778
	}
	if as.Address == "" {
		as.Address = fmt.Sprintf("http://localhost:%d", as.Port)
	}
	if as.ID == "" {
		as.ID = "wechat"
	}
	if as.BotUsername == "" {
		as.BotUsername = "wechatbot"
	}
	if as.BotDisplayname == "" {
		as.BotDisplayname = "WeChat bridge bot"
	}
	if as.Provisioning.Prefix == "" {
		as.Provisioning.Prefix = "/_matrix/provision/v1"
	}
	if as.Database.Type == "" {
		as.Database.Type = "sqlite"
	}
	if as.Database.URI == "" {
		as.Database.URI = "matrix-wechat.db"
	}

	b := &c.Bridge
	if b.ListenAddress == "" {
		b.ListenAddress = "0.0.0.0:20572"
	}
	if b.UserPrefix == "" {
		b.UserPrefix = "wechat_"
	}
	if b.CommandPrefix == "" {
		b.CommandPrefix = "!wechat"
	}
	if b.DisplaynameTemplate == "" {
		b.DisplaynameTemplate = "{{.Name}} (WeChat)"
	}
	if b.MaxConcurrency == 0 {
		b.MaxConcurrency = 32
	}
	if b.MaxEventAgeRaw == "" {
		b.MaxEventAgeRaw = "5m"
	}
	if b.RequestTimeoutRaw == "" {
		b.RequestTimeoutRaw = "30s"
	}
	if b.ReplayWindowRaw == "" {
		b.ReplayWindowRaw = "10m"
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "matrix-wechat"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return errors.New("homeserver.address is required")
	}
	u, err := url.Parse(c.Homeserver.Address)
	if err != nil {
		return fmt.Errorf("homeserver.address is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("homeserver.address must use http or https scheme")
	}
	if c.Homeserver.Domain == "" {
		return errors.New("homeserver.domain is required")
	}

	if c.AppService.ASToken == "" {
		return errors.New("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return errors.New("appservice.hs_token is required")
	}
	if c.AppService.Port < 1 || c.AppService.Port > 65535 {
		return fmt.Errorf("appservice.port %d is out of range", c.AppService.Port)
	}
	switch c.AppService.Database.Type {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("appservice.database.type %q is not supported (use sqlite or sqlite3)", c.AppService.Database.Type)
	}
	if !strings.HasPrefix(c.AppService.Provisioning.Prefix, "/") {
		return errors.New("appservice.provisioning.prefix must start with /")
	}

	if c.Bridge.ListenSecret == "" {
		return errors.New("bridge.listen_secret is required")
	}
	if c.Bridge.Encryption.Default && !c.Bridge.Encryption.Allow {
		return errors.New("bridge.encryption.default requires bridge.encryption.allow")
	}
	for key, level := range c.Bridge.Permissions {
		switch strings.ToLower(level) {
		case "relay", "user", "admin":
		default:
			return fmt.Errorf("bridge.permissions[%q]: unknown level %q", key, level)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"max_event_age", cfg.Bridge.MaxEventAgeRaw, &cfg.Bridge.MaxEventAge},
		{"request_timeout", cfg.Bridge.RequestTimeoutRaw, &cfg.Bridge.RequestTimeout},
		{"replay_window", cfg.Bridge.ReplayWindowRaw, &cfg.Bridge.ReplayWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// BotMXID returns the bridge bot's Matrix id.
func (c *Config) BotMXID() string {
	return "@" + c.AppService.BotUsername + ":" + c.Homeserver.Domain
}

// ListenAddr returns the host:port of the appservice listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.AppService.Hostname, c.AppService.Port)
}

// DatabasePath resolves the SQLite path relative to the config file's directory.
func (c *Config) DatabasePath(configPath string) string {
	uri := strings.TrimPrefix(c.AppService.Database.URI, "file:")
	if filepath.IsAbs(uri) || configPath == "" || uri == ":memory:" {
		return uri
	}
	return filepath.Join(filepath.Dir(configPath), uri)
}

// ResolvePath returns the config file to use.
// Priority: flag > MATRIX_WECHAT_CONFIG > XDG_CONFIG_HOME/matrix-wechat/config.yaml > ~/.config/matrix-wechat/config.yaml
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "matrix-wechat", "config.yaml")
}
