// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
homeserver:
  address: "https://matrix.example.org"
  domain: "example.org"
appservice:
  as_token: "as"
  hs_token: "hs"
bridge:
  listen_secret: "secret"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
homeserver:
  address: "https://matrix.example.org"
  domain: "example.org"

appservice:
  address: "http://bridge:29318"
  hostname: "127.0.0.1"
  port: 29318
  id: "wx"
  bot_username: "wx"
  as_token: "as-token"
  hs_token: "hs-token"
  provisioning:
    shared_secret: "prov"
  database:
    type: "sqlite3"
    uri: "/var/lib/wx.db"

bridge:
  listen_address: "0.0.0.0:9000"
  listen_secret: "agent-secret"
  user_prefix: "wx_"
  max_event_age: "90s"
  request_timeout: "10s"
  encryption:
    allow: true
    default: true
  double_puppet_server_map:
    other.org: "https://matrix.other.org"
  permissions:
    "*": "relay"
    "@admin:example.org": "admin"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Homeserver.Domain != "example.org" {
		t.Errorf("Homeserver.Domain = %q, want %q", cfg.Homeserver.Domain, "example.org")
	}
	if cfg.AppService.Port != 29318 {
		t.Errorf("AppService.Port = %d, want %d", cfg.AppService.Port, 29318)
	}
	if cfg.ListenAddr() != "127.0.0.1:29318" {
		t.Errorf("ListenAddr() = %q, want %q", cfg.ListenAddr(), "127.0.0.1:29318")
	}
	if cfg.BotMXID() != "@wx:example.org" {
		t.Errorf("BotMXID() = %q, want %q", cfg.BotMXID(), "@wx:example.org")
	}
	if cfg.AppService.Database.Type != "sqlite3" {
		t.Errorf("Database.Type = %q, want %q", cfg.AppService.Database.Type, "sqlite3")
	}
	if cfg.Bridge.MaxEventAge != 90*time.Second {
		t.Errorf("Bridge.MaxEventAge = %v, want %v", cfg.Bridge.MaxEventAge, 90*time.Second)
	}
	if cfg.Bridge.RequestTimeout != 10*time.Second {
		t.Errorf("Bridge.RequestTimeout = %v, want %v", cfg.Bridge.RequestTimeout, 10*time.Second)
	}
	if cfg.Bridge.ReplayWindow != 10*time.Minute {
		t.Errorf("Bridge.ReplayWindow = %v, want default %v", cfg.Bridge.ReplayWindow, 10*time.Minute)
	}
	if !cfg.Bridge.Encryption.Default {
		t.Error("Bridge.Encryption.Default = false, want true")
	}
	if cfg.Bridge.DoublePuppetServerMap["other.org"] != "https://matrix.other.org" {
		t.Errorf("DoublePuppetServerMap = %v", cfg.Bridge.DoublePuppetServerMap)
	}
	if cfg.Bridge.Permissions["@admin:example.org"] != "admin" {
		t.Errorf("Permissions = %v", cfg.Bridge.Permissions)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := map[string][2]string{
		"appservice.id":           {cfg.AppService.ID, "wechat"},
		"appservice.bot_username": {cfg.AppService.BotUsername, "wechatbot"},
		"appservice.address":      {cfg.AppService.Address, "http://localhost:17778"},
		"provisioning.prefix":     {cfg.AppService.Provisioning.Prefix, "/_matrix/provision/v1"},
		"database.type":           {cfg.AppService.Database.Type, "sqlite"},
		"bridge.listen_address":   {cfg.Bridge.ListenAddress, "0.0.0.0:20572"},
		"bridge.user_prefix":      {cfg.Bridge.UserPrefix, "wechat_"},
		"bridge.command_prefix":   {cfg.Bridge.CommandPrefix, "!wechat"},
		"logging.level":           {cfg.Logging.Level, "info"},
		"logging.format":          {cfg.Logging.Format, "text"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if cfg.Bridge.MaxEventAge != 5*time.Minute {
		t.Errorf("Bridge.MaxEventAge = %v, want %v", cfg.Bridge.MaxEventAge, 5*time.Minute)
	}
	if cfg.Bridge.MaxConcurrency != 32 {
		t.Errorf("Bridge.MaxConcurrency = %d, want 32", cfg.Bridge.MaxConcurrency)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[homeserver]
address = "https://matrix.example.org"
domain = "example.org"

[appservice]
as_token = "as"
hs_token = "hs"
port = 8008

[bridge]
listen_secret = "secret"
max_event_age = "1m"

[bridge.permissions]
"example.org" = "user"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AppService.Port != 8008 {
		t.Errorf("AppService.Port = %d, want 8008", cfg.AppService.Port)
	}
	if cfg.Bridge.MaxEventAge != time.Minute {
		t.Errorf("Bridge.MaxEventAge = %v, want %v", cfg.Bridge.MaxEventAge, time.Minute)
	}
	if cfg.Bridge.Permissions["example.org"] != "user" {
		t.Errorf("Permissions = %v", cfg.Bridge.Permissions)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AS_TOKEN", "from-env")
	t.Setenv("TEST_DOMAIN", "env.example.org")

	configPath := writeConfig(t, "config.yaml", strings.NewReplacer(
		`as_token: "as"`, `as_token: "${TEST_AS_TOKEN}"`,
		`domain: "example.org"`, `domain: "${TEST_DOMAIN}"`,
	).Replace(minimalYAML))

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AppService.ASToken != "from-env" {
		t.Errorf("ASToken = %q, want %q", cfg.AppService.ASToken, "from-env")
	}
	if cfg.Homeserver.Domain != "env.example.org" {
		t.Errorf("Domain = %q, want %q", cfg.Homeserver.Domain, "env.example.org")
	}
}

func TestLoad_UnsetEnvVarFailsValidation(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", strings.Replace(minimalYAML,
		`hs_token: "hs"`, `hs_token: "${MATRIX_WECHAT_TEST_UNSET_VAR}"`, 1))

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "hs_token") {
		t.Fatalf("Load() error = %v, want hs_token error", err)
	}
}

func TestRead_SkipsValidation(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", strings.Replace(minimalYAML,
		`hs_token: "hs"`, `hs_token: "${MATRIX_WECHAT_TEST_UNSET_VAR}"`, 1))

	cfg, err := Read(configPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.AppService.HSToken != "" {
		t.Errorf("HSToken = %q, want empty", cfg.AppService.HSToken)
	}
	if cfg.AppService.Port != 17778 {
		t.Errorf("Port = %d, want default 17778", cfg.AppService.Port)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", minimalYAML+`  max_event_age: "soon"
`)
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "max_event_age") {
		t.Fatalf("Load() error = %v, want max_event_age error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no homeserver", func(c *Config) { c.Homeserver.Address = "" }, "homeserver.address is required"},
		{"bad scheme", func(c *Config) { c.Homeserver.Address = "ftp://x" }, "http or https"},
		{"no domain", func(c *Config) { c.Homeserver.Domain = "" }, "homeserver.domain"},
		{"no as token", func(c *Config) { c.AppService.ASToken = "" }, "as_token"},
		{"bad port", func(c *Config) { c.AppService.Port = 70000 }, "out of range"},
		{"bad db", func(c *Config) { c.AppService.Database.Type = "postgres" }, "not supported"},
		{"bad prefix", func(c *Config) { c.AppService.Provisioning.Prefix = "provision" }, "must start with /"},
		{"no agent secret", func(c *Config) { c.Bridge.ListenSecret = "" }, "listen_secret"},
		{"encryption default without allow", func(c *Config) { c.Bridge.Encryption.Default = true }, "encryption.allow"},
		{"bad permission", func(c *Config) { c.Bridge.Permissions = map[string]string{"*": "god"} }, "unknown level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(minimalYAML, false)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := &Config{}
	cfg.AppService.Database.URI = "bridge.db"
	if got := cfg.DatabasePath("/etc/wx/config.yaml"); got != "/etc/wx/bridge.db" {
		t.Errorf("DatabasePath() = %q, want %q", got, "/etc/wx/bridge.db")
	}
	cfg.AppService.Database.URI = "file:/data/bridge.db"
	if got := cfg.DatabasePath("/etc/wx/config.yaml"); got != "/data/bridge.db" {
		t.Errorf("DatabasePath() = %q, want %q", got, "/data/bridge.db")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if got := ResolvePath("/flag.yaml"); got != "/flag.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
	if got := ResolvePath(""); got != "/xdg/matrix-wechat/config.yaml" {
		t.Errorf("ResolvePath(xdg) = %q", got)
	}
	t.Setenv(EnvConfigPath, "/env.yaml")
	if got := ResolvePath(""); got != "/env.yaml" {
		t.Errorf("ResolvePath(env) = %q", got)
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := WriteSample(path, false); err != nil {
		t.Fatalf("WriteSample() error = %v", err)
	}
	if err := WriteSample(path, false); !errors.Is(err, ErrExists) {
		t.Errorf("WriteSample() second call error = %v, want ErrExists", err)
	}
	if err := WriteSample(path, true); err != nil {
		t.Errorf("WriteSample(force) error = %v", err)
	}

	t.Setenv("MATRIX_WECHAT_AS_TOKEN", "a")
	t.Setenv("MATRIX_WECHAT_HS_TOKEN", "h")
	t.Setenv("MATRIX_WECHAT_AGENT_SECRET", "s")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(sample) error = %v", err)
	}
	if cfg.Bridge.Permissions["*"] != "relay" {
		t.Errorf("sample permissions = %v", cfg.Bridge.Permissions)
	}
}
