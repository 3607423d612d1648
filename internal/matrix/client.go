// ABOUTME: mautrix-backed RoomClient and the Intents provider for bot, ghosts and double puppets
// ABOUTME: Ghosts masquerade through the appservice token with registration on first use

package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client is a RoomClient backed by a mautrix client.
type Client struct {
	cli *mautrix.Client
}

// NewClient creates a RoomClient for userID authenticated with token.
func NewClient(homeserver string, userID id.UserID, token string, log zerolog.Logger) (*Client, error) {
	cli, err := mautrix.NewClient(homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	cli.Log = log.With().Str("user_id", userID.String()).Logger()
	return &Client{cli: cli}, nil
}

// UserID returns the account this client acts as.
func (c *Client) UserID() id.UserID {
	return c.cli.UserID
}

func (c *Client) CreateRoom(ctx context.Context, params *CreateRoomParams) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Visibility:         "private",
		Name:               params.Name,
		Topic:              params.Topic,
		Invite:             params.Invite,
		Preset:             params.Preset,
		IsDirect:           params.IsDirect,
		InitialState:       params.InitialState,
		PowerLevelOverride: params.PowerLevels,
		CreationContent:    params.CreationContent,
	}
	if params.AvatarURL != "" {
		req.InitialState = append(req.InitialState, &event.Event{
			Type:    event.StateRoomAvatar,
			Content: event.Content{Parsed: &event.RoomAvatarEventContent{URL: params.AvatarURL}},
		})
	}
	resp, err := c.cli.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("creating room: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error) {
	resp, err := c.cli.SendMessageEvent(ctx, roomID, evtType, content)
	if err != nil {
		return "", fmt.Errorf("sending %s: %w", evtType.Type, err)
	}
	return resp.EventID, nil
}

func (c *Client) SetState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := c.cli.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return "", fmt.Errorf("setting %s state: %w", evtType.Type, err)
	}
	return resp.EventID, nil
}

func (c *Client) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error) {
	resp, err := c.cli.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return "", fmt.Errorf("redacting %s: %w", eventID, err)
	}
	return resp.EventID, nil
}

func (c *Client) UploadMedia(ctx context.Context, data []byte, mime, name string) (id.ContentURIString, error) {
	resp, err := c.cli.UploadBytesWithName(ctx, data, mime, name)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}
	return resp.ContentURI.CUString(), nil
}

func (c *Client) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing content uri %q: %w", uri, err)
	}
	data, err := c.cli.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	return data, nil
}

func (c *Client) SetMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) error {
	_, err := c.cli.SendStateEvent(ctx, roomID, event.StateMember, userID.String(), &event.MemberEventContent{
		Membership: membership,
	})
	if err != nil {
		return fmt.Errorf("setting %s membership for %s: %w", membership, userID, err)
	}
	return nil
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", roomID, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.cli.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("joining %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.cli.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leaving %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	if _, err := c.cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID}); err != nil {
		return fmt.Errorf("inviting %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	if err := c.cli.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("setting displayname: %w", err)
	}
	return nil
}

func (c *Client) SetAvatarURL(ctx context.Context, uri id.ContentURIString) error {
	parsed, err := uri.Parse()
	if err != nil {
		return fmt.Errorf("parsing content uri %q: %w", uri, err)
	}
	if err := c.cli.SetAvatarURL(ctx, parsed); err != nil {
		return fmt.Errorf("setting avatar: %w", err)
	}
	return nil
}

// ProviderConfig configures the appservice intents.
type ProviderConfig struct {
	Homeserver string
	BotUserID  id.UserID
	ASToken    string

	// DoublePuppetServers maps a server name to its client API URL for
	// double puppets whose account lives on another homeserver.
	DoublePuppetServers map[string]string

	ZeroLogger zerolog.Logger
	Logger     *slog.Logger
}

// Provider implements Intents on top of mautrix clients sharing one
// appservice token.
type Provider struct {
	cfg    ProviderConfig
	bot    *Client
	logger *slog.Logger

	mu         sync.Mutex
	ghosts     map[id.UserID]*Client
	registered map[id.UserID]bool
	group      singleflight.Group
}

// NewProvider creates the bot client and an empty ghost cache.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := NewClient(cfg.Homeserver, cfg.BotUserID, cfg.ASToken, cfg.ZeroLogger)
	if err != nil {
		return nil, err
	}
	return &Provider{
		cfg:        cfg,
		bot:        bot,
		logger:     logger.With("component", "matrix"),
		ghosts:     make(map[id.UserID]*Client),
		registered: make(map[id.UserID]bool),
	}, nil
}

// Bot returns the appservice bot client.
func (p *Provider) Bot() RoomClient {
	return p.bot
}

// EnsureBotRegistered registers the bot user, ignoring "user in use".
func (p *Provider) EnsureBotRegistered(ctx context.Context) error {
	return p.register(ctx, p.bot)
}

// Ghost returns a client masquerading as userID.
func (p *Provider) Ghost(ctx context.Context, userID id.UserID) (RoomClient, error) {
	if userID == p.cfg.BotUserID {
		return p.bot, nil
	}

	p.mu.Lock()
	ghost, ok := p.ghosts[userID]
	done := p.registered[userID]
	p.mu.Unlock()

	if !ok {
		c, err := NewClient(p.cfg.Homeserver, userID, p.cfg.ASToken, p.cfg.ZeroLogger)
		if err != nil {
			return nil, err
		}
		c.cli.SetAppServiceUserID = true

		p.mu.Lock()
		if existing, raced := p.ghosts[userID]; raced {
			c = existing
		} else {
			p.ghosts[userID] = c
		}
		ghost = c
		p.mu.Unlock()
	}

	if !done {
		_, err, _ := p.group.Do(userID.String(), func() (any, error) {
			return nil, p.register(context.WithoutCancel(ctx), ghost)
		})
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.registered[userID] = true
		p.mu.Unlock()
	}
	return ghost, nil
}

// Custom returns a client acting as a real user.
func (p *Provider) Custom(userID id.UserID, accessToken string) (RoomClient, error) {
	if accessToken == "" {
		return nil, errors.New("double puppet access token is empty")
	}
	return NewClient(p.homeserverFor(userID), userID, accessToken, p.cfg.ZeroLogger)
}

func (p *Provider) homeserverFor(userID id.UserID) string {
	if _, server, err := userID.Parse(); err == nil {
		if url, ok := p.cfg.DoublePuppetServers[server]; ok {
			return url
		}
	}
	return p.cfg.Homeserver
}

func (p *Provider) register(ctx context.Context, c *Client) error {
	localpart, _, err := c.cli.UserID.Parse()
	if err != nil {
		return fmt.Errorf("parsing user id %s: %w", c.cli.UserID, err)
	}
	_, _, err = c.cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("registering %s: %w", c.cli.UserID, err)
	}
	p.logger.Debug("registered appservice user", "user_id", c.cli.UserID)
	return nil
}

// NewZeroLogger builds the zerolog logger handed to mautrix clients.
func NewZeroLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(lvl).
		With().Timestamp().Str("component", "mautrix").Logger()
}

// Compile-time checks
var (
	_ RoomClient = (*Client)(nil)
	_ Intents    = (*Provider)(nil)
)
