// ABOUTME: Mutex-guarded entity handles for users, portals and puppets
// ABOUTME: Readers take snapshots; writers go through the Registry update methods

package bridge

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/store"
)

// User is a Matrix account and its WeChat session.
type User struct {
	mxid id.UserID

	mu      sync.Mutex
	row     store.User
	session *agent.Client

	// loginMu serializes login and logout for this user
	loginMu sync.Mutex
}

func newUser(row *store.User) *User {
	return &User{mxid: id.UserID(row.MXID), row: *row}
}

func (u *User) MXID() id.UserID { return u.mxid }

// Snapshot returns a copy of the stored row.
func (u *User) Snapshot() store.User {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.row
}

func (u *User) UIN() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.row.UIN
}

func (u *User) ManagementRoom() id.RoomID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return id.RoomID(u.row.ManagementRoom)
}

func (u *User) SpaceRoom() id.RoomID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return id.RoomID(u.row.SpaceRoom)
}

// Session returns the live agent session, or nil when logged out.
func (u *User) Session() *agent.Client {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

// IsLoggedIn reports whether the user has both a bound WeChat id and a
// session handle.
func (u *User) IsLoggedIn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.row.UIN != "" && u.session != nil
}

func (u *User) setSession(c *agent.Client) {
	u.mu.Lock()
	u.session = c
	u.mu.Unlock()
}

// Portal is a WeChat conversation and its Matrix room.
type Portal struct {
	key store.PortalKey

	mu  sync.Mutex
	row store.Portal

	// roomMu is held while the Matrix room is being created
	roomMu sync.Mutex
}

func newPortal(row *store.Portal) *Portal {
	return &Portal{key: row.Key, row: *row}
}

func (p *Portal) Key() store.PortalKey { return p.key }

// IsPrivate reports whether the conversation is a one-to-one chat.
func (p *Portal) IsPrivate() bool { return !agent.IsGroupID(p.key.UID) }

func (p *Portal) MXID() id.RoomID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return id.RoomID(p.row.MXID)
}

func (p *Portal) Snapshot() store.Portal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.row
}

// Puppet is a WeChat contact and its Matrix ghost.
type Puppet struct {
	uin   string
	ghost id.UserID

	mu  sync.Mutex
	row store.Puppet
}

func newPuppet(row *store.Puppet, ghost id.UserID) *Puppet {
	return &Puppet{uin: row.UIN, ghost: ghost, row: *row}
}

func (p *Puppet) UIN() string { return p.uin }

// GhostMXID returns the appservice ghost id, regardless of double puppeting.
func (p *Puppet) GhostMXID() id.UserID { return p.ghost }

func (p *Puppet) Snapshot() store.Puppet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.row
}

func (p *Puppet) CustomMXID() id.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return id.UserID(p.row.CustomMXID)
}

// IsDoublePuppeted reports whether the puppet acts as a real Matrix account.
func (p *Puppet) IsDoublePuppeted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.row.CustomMXID != "" && p.row.AccessToken != ""
}

// MXID returns the account the puppet acts as: the custom account when
// double puppeted, otherwise the ghost.
func (p *Puppet) MXID() id.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.row.CustomMXID != "" && p.row.AccessToken != "" {
		return id.UserID(p.row.CustomMXID)
	}
	return p.ghost
}
