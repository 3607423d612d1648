// ABOUTME: Bridge options derived from configuration
// ABOUTME: Naming of ghosts, command prefix, event age ceiling and login polling

package bridge

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/retry"
)

// Defaults
const (
	DefaultUserPrefix          = "wechat_"
	DefaultCommandPrefix       = "!wechat"
	DefaultDisplaynameTemplate = "{{.Name}} (WeChat)"
	DefaultMaxEventAge         = 5 * time.Minute
	DefaultMaxConcurrency      = 32
)

// Permission levels
const (
	PermissionNone  = 0
	PermissionRelay = 5
	PermissionUser  = 10
	PermissionAdmin = 100
)

// ManagementRoomText holds the management room welcome messages.
type ManagementRoomText struct {
	Welcome            string
	WelcomeConnected   string
	WelcomeUnconnected string
}

// Options configures a Bridge.
type Options struct {
	Domain        string
	BotMXID       id.UserID
	UserPrefix    string
	CommandPrefix string

	// DisplaynameTemplate renders a ghost's displayname from {{.Name}} and {{.UIN}}.
	DisplaynameTemplate string

	MaxEventAge       time.Duration
	EncryptionDefault bool
	MaxConcurrency    int

	// Permissions maps "*", a server name or a full mxid to a level name
	// ("relay", "user", "admin").
	Permissions map[string]string

	ManagementRoomText ManagementRoomText

	// LoginPoll paces is_login polling after a QR code was shown.
	LoginPoll retry.Config
	// ReplayWindow is how long an external event id is remembered.
	ReplayWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.UserPrefix == "" {
		o.UserPrefix = DefaultUserPrefix
	}
	if o.CommandPrefix == "" {
		o.CommandPrefix = DefaultCommandPrefix
	}
	if o.DisplaynameTemplate == "" {
		o.DisplaynameTemplate = DefaultDisplaynameTemplate
	}
	if o.MaxEventAge == 0 {
		o.MaxEventAge = DefaultMaxEventAge
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.LoginPoll.MaxRetries == 0 {
		o.LoginPoll = retry.Config{InitialDelay: 2 * time.Second, MaxDelay: 2 * time.Second, Multiplier: 1, MaxRetries: 90}
	}
	if o.ReplayWindow == 0 {
		o.ReplayWindow = 10 * time.Minute
	}
	if o.ManagementRoomText.Welcome == "" {
		o.ManagementRoomText.Welcome = "Hello, I'm a WeChat bridge bot."
	}
	if o.ManagementRoomText.WelcomeConnected == "" {
		o.ManagementRoomText.WelcomeConnected = "Use `help` for help."
	}
	if o.ManagementRoomText.WelcomeUnconnected == "" {
		o.ManagementRoomText.WelcomeUnconnected = "Use `login` to log in."
	}
}

// GhostMXID returns the Matrix id of the ghost for a WeChat id.
func (o *Options) GhostMXID(uin string) id.UserID {
	return id.NewUserID(o.UserPrefix+id.EncodeUserLocalpart(uin), o.Domain)
}

// IsGhost reports whether userID is in the ghost namespace.
func (o *Options) IsGhost(userID id.UserID) bool {
	localpart, server, err := userID.Parse()
	if err != nil {
		return false
	}
	return server == o.Domain && strings.HasPrefix(localpart, o.UserPrefix) && userID != o.BotMXID
}

// PermissionLevel resolves the level granted to userID.
func (o *Options) PermissionLevel(userID id.UserID) int {
	if len(o.Permissions) == 0 {
		return PermissionUser
	}
	if lvl, ok := o.Permissions[userID.String()]; ok {
		return parseLevel(lvl)
	}
	if _, server, err := userID.Parse(); err == nil {
		if lvl, ok := o.Permissions[server]; ok {
			return parseLevel(lvl)
		}
	}
	if lvl, ok := o.Permissions["*"]; ok {
		return parseLevel(lvl)
	}
	return PermissionNone
}

func parseLevel(s string) int {
	switch strings.ToLower(s) {
	case "admin":
		return PermissionAdmin
	case "user":
		return PermissionUser
	case "relay":
		return PermissionRelay
	default:
		return PermissionNone
	}
}

type displaynameData struct {
	Name string
	UIN  string
}

// FormatDisplayname renders the ghost displayname template.
func (o *Options) FormatDisplayname(name, uin string) string {
	tmpl, err := template.New("displayname").Parse(o.DisplaynameTemplate)
	if err != nil {
		return name
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, displaynameData{Name: name, UIN: uin}); err != nil {
		return name
	}
	return buf.String()
}

// ValidateTemplate checks that the displayname template parses.
func ValidateTemplate(tmpl string) error {
	if _, err := template.New("displayname").Parse(tmpl); err != nil {
		return fmt.Errorf("invalid displayname template: %w", err)
	}
	return nil
}
