// ABOUTME: Appservice registration file generation
// ABOUTME: Random tokens, the ghost user namespace and the bot as sender

package appservice

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/matrix-wechat/internal/config"
)

// Registration is the file the homeserver loads to trust the bridge.
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	RateLimited     bool       `yaml:"rate_limited"`
	Namespaces      Namespaces `yaml:"namespaces"`
	Protocols       []string   `yaml:"protocols,omitempty"`
	EphemeralEvents bool       `yaml:"de.sorunome.msc2409.push_ephemeral,omitempty"`
}

// Namespaces lists the ids the bridge claims.
type Namespaces struct {
	Users   []Namespace `yaml:"users"`
	Aliases []Namespace `yaml:"aliases"`
	Rooms   []Namespace `yaml:"rooms"`
}

// Namespace is one claimed regex.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// NewToken returns a random 64 character token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// GenerateRegistration builds a registration for cfg. Tokens already present
// in cfg are kept; missing ones are generated.
func GenerateRegistration(cfg *config.Config) *Registration {
	as, hs := cfg.AppService.ASToken, cfg.AppService.HSToken
	if as == "" {
		as = NewToken()
	}
	if hs == "" {
		hs = NewToken()
	}
	domain := regexp.QuoteMeta(cfg.Homeserver.Domain)
	return &Registration{
		ID:              cfg.AppService.ID,
		URL:             cfg.AppService.Address,
		ASToken:         as,
		HSToken:         hs,
		SenderLocalpart: cfg.AppService.BotUsername,
		RateLimited:     false,
		Namespaces: Namespaces{
			Users: []Namespace{
				{Exclusive: true, Regex: fmt.Sprintf("^@%s.+:%s$", regexp.QuoteMeta(cfg.Bridge.UserPrefix), domain)},
				{Exclusive: true, Regex: fmt.Sprintf("^@%s:%s$", regexp.QuoteMeta(cfg.AppService.BotUsername), domain)},
			},
			Aliases: []Namespace{},
			Rooms:   []Namespace{},
		},
		Protocols:       []string{"wechat"},
		EphemeralEvents: true,
	}
}

// Save writes the registration as YAML.
func (r *Registration) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing registration: %w", err)
	}
	return nil
}

// LoadRegistration reads a registration file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}
	var r Registration
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing registration: %w", err)
	}
	return &r, nil
}
