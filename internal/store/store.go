// ABOUTME: Store interface and data types for bridge persistence
// ABOUTME: Users, portals, puppets and message correlation records

package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Name quality tiers for puppet display names
const (
	NameQualityNone = 0
	NameQualityUIN  = 1
	NameQualityName = 2
)

// PortalKey identifies a bridged conversation
type PortalKey struct {
	UID      string // WeChat conversation id
	Receiver string // account the conversation is seen through
}

func (k PortalKey) String() string {
	return k.UID + "|" + k.Receiver
}

// User is a Matrix account and its WeChat login
type User struct {
	MXID           string
	UIN            string
	ManagementRoom string
	SpaceRoom      string
}

// Portal maps a WeChat conversation to a Matrix room
type Portal struct {
	Key          PortalKey
	MXID         string
	Name         string
	NameSet      bool
	Topic        string
	TopicSet     bool
	Avatar       string
	AvatarURL    string
	AvatarSet    bool
	Encrypted    bool
	LastSync     time.Time
	FirstEventID string
	NextBatchID  string
}

// Puppet maps a WeChat contact to a Matrix ghost
type Puppet struct {
	UIN            string
	Displayname    string
	NameQuality    int
	NameSet        bool
	Avatar         string
	AvatarURL      string
	AvatarSet      bool
	LastSync       time.Time
	CustomMXID     string
	AccessToken    string
	NextBatch      string
	EnablePresence bool
}

// Message correlates a WeChat message id with a Matrix event id
type Message struct {
	Key       PortalKey
	MsgID     string
	MXID      string
	Sender    string
	Timestamp time.Time
	Sent      bool
	Error     string
	Type      string
}

// Store defines the persistence capability used by the bridge
type Store interface {
	// Users
	GetUser(ctx context.Context, mxid string) (*User, error)
	GetUserByUIN(ctx context.Context, uin string) (*User, error)
	CreateUser(ctx context.Context, u *User) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	ListLoggedInUsers(ctx context.Context) ([]*User, error)

	// Portals
	GetPortal(ctx context.Context, key PortalKey) (*Portal, error)
	GetPortalByMXID(ctx context.Context, mxid string) (*Portal, error)
	CreatePortal(ctx context.Context, p *Portal) (*Portal, error)
	UpdatePortal(ctx context.Context, p *Portal) error
	DeletePortal(ctx context.Context, key PortalKey) error
	ListPortalsWithRoom(ctx context.Context) ([]*Portal, error)
	ListPortalsByReceiver(ctx context.Context, receiver string) ([]*Portal, error)

	// Puppets
	GetPuppet(ctx context.Context, uin string) (*Puppet, error)
	GetPuppetByCustomMXID(ctx context.Context, mxid string) (*Puppet, error)
	CreatePuppet(ctx context.Context, p *Puppet) (*Puppet, error)
	UpdatePuppet(ctx context.Context, p *Puppet) error
	ListPuppetsWithCustomMXID(ctx context.Context) ([]*Puppet, error)

	// Message correlation
	PutMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, key PortalKey, msgID string) (*Message, error)
	GetMessageByMXID(ctx context.Context, mxid string) (*Message, error)
	GetMessageByID(ctx context.Context, msgID string) (*Message, error)
	DeleteMessage(ctx context.Context, key PortalKey, msgID string) error

	Close() error
}
