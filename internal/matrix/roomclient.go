// ABOUTME: RoomClient capability consumed by the bridge core
// ABOUTME: Room creation, messaging, state, media, membership and profile calls

package matrix

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Room presets used when creating portal rooms
const (
	PresetPrivateChat = "private_chat"
	PresetPublicChat  = "public_chat"
	PresetTrusted     = "trusted_private_chat"
)

// CreateRoomParams describes a room to create.
type CreateRoomParams struct {
	Name            string
	Topic           string
	AvatarURL       id.ContentURIString
	Preset          string
	IsDirect        bool
	Invite          []id.UserID
	InitialState    []*event.Event
	PowerLevels     *event.PowerLevelsEventContent
	CreationContent map[string]any
}

// RoomClient acts on the homeserver as one Matrix account.
type RoomClient interface {
	UserID() id.UserID

	CreateRoom(ctx context.Context, params *CreateRoomParams) (id.RoomID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error)
	SetState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error)

	UploadMedia(ctx context.Context, data []byte, mime, name string) (id.ContentURIString, error)
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)

	SetMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error

	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, uri id.ContentURIString) error
}

// Intents resolves the RoomClient to act through.
type Intents interface {
	// Bot acts as the appservice sender.
	Bot() RoomClient
	// Ghost acts as an appservice-owned user, registering it on first use.
	Ghost(ctx context.Context, userID id.UserID) (RoomClient, error)
	// Custom acts as a real user with their own access token.
	Custom(userID id.UserID, accessToken string) (RoomClient, error)
}
