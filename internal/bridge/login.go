// ABOUTME: WeChat login and logout for a Matrix user
// ABOUTME: QR login is confirmed by polling is_login in the background

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/retry"
	"github.com/2389/matrix-wechat/internal/store"
)

// LoginResult is the outcome of starting a login.
type LoginResult struct {
	// LoggedIn is set when the session was already authenticated.
	LoggedIn bool
	// AlreadyLoggedIn is set when the user had a live session before.
	AlreadyLoggedIn bool
	UIN             string
	// QR is the code to scan when LoggedIn is false.
	QR []byte
}

type loginPendingError struct{}

func (loginPendingError) Error() string   { return "login not confirmed yet" }
func (loginPendingError) Retryable() bool { return true }

var errLoginPending error = loginPendingError{}

// Login starts a WeChat login for mxid. When a QR code is needed and room is
// set, the code is posted there and the outcome reported as a notice.
func (b *Bridge) Login(ctx context.Context, mxid id.UserID, room id.RoomID) (*LoginResult, error) {
	u, err := b.registry.GetUserByMXID(ctx, mxid)
	if err != nil {
		return nil, err
	}
	u.loginMu.Lock()
	defer u.loginMu.Unlock()

	if u.IsLoggedIn() {
		return &LoginResult{LoggedIn: true, AlreadyLoggedIn: true, UIN: u.UIN()}, nil
	}

	session := agent.NewClient(b.agent, mxid.String())
	if err := session.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	ok, err := session.IsLoggedIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking login: %w", err)
	}
	if ok {
		uin, err := b.completeLogin(ctx, u, session)
		if err != nil {
			return nil, err
		}
		return &LoginResult{LoggedIn: true, UIN: uin}, nil
	}

	qr, err := session.GetQRCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching qr code: %w", err)
	}
	if room != "" {
		b.postQR(ctx, room, qr)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.awaitLogin(b.ctx, u, session, room)
	}()
	return &LoginResult{QR: qr}, nil
}

func (b *Bridge) postQR(ctx context.Context, room id.RoomID, qr []byte) {
	bot := b.intents.Bot()
	uri, err := bot.UploadMedia(ctx, qr, "image/png", "qrcode.png")
	if err != nil {
		b.logger.Warn("failed to upload qr code", "room", room, "error", err)
		return
	}
	_, err = bot.SendMessage(ctx, room, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "qrcode.png",
		URL:     uri,
		Info:    &event.FileInfo{MimeType: "image/png", Size: len(qr)},
	})
	if err != nil {
		b.logger.Warn("failed to post qr code", "room", room, "error", err)
	}
}

func (b *Bridge) awaitLogin(ctx context.Context, u *User, session *agent.Client, room id.RoomID) {
	poll := retry.NewHandler(retry.Fixed, b.opts.LoginPoll, b.logger)
	err := poll.Do(ctx, func(ctx context.Context) error {
		ok, err := session.IsLoggedIn(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errLoginPending
		}
		return nil
	})
	if err == nil {
		u.loginMu.Lock()
		_, err = b.completeLogin(ctx, u, session)
		u.loginMu.Unlock()
	}

	if err != nil {
		b.logger.Warn("login failed", "user", u.MXID(), "error", err)
		if room != "" {
			b.sendNotice(ctx, room, fmt.Sprintf("Login failed: %v", err))
		}
		return
	}
	if room != "" {
		b.sendNotice(ctx, room, "Login successful!")
	}
}

// completeLogin binds the WeChat account to the user. Callers hold loginMu.
func (b *Bridge) completeLogin(ctx context.Context, u *User, session *agent.Client) (string, error) {
	self, err := session.GetSelf(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching own profile: %w", err)
	}
	if self.ID == "" {
		return "", fmt.Errorf("fetching own profile: %w", agent.ErrDecode)
	}
	if err := b.registry.UpdateUser(ctx, u, func(row *store.User) {
		row.UIN = self.ID
	}); err != nil {
		return "", err
	}
	u.setSession(session)
	b.logger.Info("user logged in", "user", u.MXID(), "uin", self.ID)

	if p, err := b.registry.GetPuppetByUIN(ctx, self.ID); err == nil && self.Name != "" {
		if err := b.SyncPuppetName(ctx, p, self.Name, store.NameQualityName, false); err != nil {
			b.logger.Warn("failed to sync own puppet", "uin", self.ID, "error", err)
		}
	}
	return self.ID, nil
}

// Logout ends the WeChat session of mxid.
func (b *Bridge) Logout(ctx context.Context, mxid id.UserID) error {
	u, err := b.registry.GetUserByMXID(ctx, mxid)
	if err != nil {
		return err
	}
	u.loginMu.Lock()
	defer u.loginMu.Unlock()

	session := u.Session()
	if u.UIN() == "" && session == nil {
		return errNotLoggedIn
	}
	if session != nil {
		if err := session.Disconnect(ctx); err != nil {
			b.logger.Warn("agent disconnect failed", "user", mxid, "error", err)
		}
	}
	u.setSession(nil)
	if err := b.registry.UpdateUser(ctx, u, func(row *store.User) {
		row.UIN = ""
	}); err != nil {
		return err
	}
	b.logger.Info("user logged out", "user", mxid)
	return nil
}
