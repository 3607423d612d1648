// ABOUTME: Per-user bridge operations exposed to the provisioning API
// ABOUTME: Login state, portal listing, bridging a chat and unbridging a room

package bridge

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/retry"
	"github.com/2389/matrix-wechat/internal/store"
)

// ErrNotLoggedIn is returned for operations that need a WeChat session.
var ErrNotLoggedIn = errNotLoggedIn

// LoginStatus describes a user's bridge state.
type LoginStatus struct {
	MXID           id.UserID `json:"mxid"`
	LoggedIn       bool      `json:"logged_in"`
	UIN            string    `json:"uin,omitempty"`
	ManagementRoom id.RoomID `json:"management_room,omitempty"`
	SpaceRoom      id.RoomID `json:"space_room,omitempty"`
	AgentConnected bool      `json:"agent_connected"`
	AgentState     string    `json:"agent_state"`
}

// PortalInfo describes a bridged room.
type PortalInfo struct {
	ChatID    string    `json:"chat_id"`
	Receiver  string    `json:"receiver"`
	RoomID    id.RoomID `json:"room_id"`
	Name      string    `json:"name,omitempty"`
	Encrypted bool      `json:"encrypted"`
	IsGroup   bool      `json:"is_group"`
}

func portalInfo(p *Portal) PortalInfo {
	row := p.Snapshot()
	return PortalInfo{
		ChatID:    row.Key.UID,
		Receiver:  row.Key.Receiver,
		RoomID:    id.RoomID(row.MXID),
		Name:      row.Name,
		Encrypted: row.Encrypted,
		IsGroup:   !p.IsPrivate(),
	}
}

// LoginState reports the bridge state of mxid.
func (b *Bridge) LoginState(ctx context.Context, mxid id.UserID) (LoginStatus, error) {
	u, err := b.registry.GetUserByMXID(ctx, mxid)
	if err != nil {
		return LoginStatus{}, err
	}
	row := u.Snapshot()
	state := b.agent.State()
	return LoginStatus{
		MXID:           mxid,
		LoggedIn:       u.IsLoggedIn(),
		UIN:            row.UIN,
		ManagementRoom: id.RoomID(row.ManagementRoom),
		SpaceRoom:      id.RoomID(row.SpaceRoom),
		AgentConnected: state == retry.StateConnected,
		AgentState:     state.String(),
	}, nil
}

// Portals lists the portal rooms mxid has joined.
func (b *Bridge) Portals(ctx context.Context, mxid id.UserID) ([]PortalInfo, error) {
	portals, err := b.portalsForUser(ctx, mxid)
	if err != nil {
		return nil, err
	}
	out := make([]PortalInfo, 0, len(portals))
	for _, p := range portals {
		out = append(out, portalInfo(p))
	}
	return out, nil
}

// BridgeChat creates the portal room for a WeChat conversation on behalf of
// mxid.
func (b *Bridge) BridgeChat(ctx context.Context, mxid id.UserID, chatID string) (PortalInfo, error) {
	if chatID == "" {
		return PortalInfo{}, errors.New("chat id is required")
	}
	u, err := b.registry.GetUserByMXID(ctx, mxid)
	if err != nil {
		return PortalInfo{}, err
	}
	if !u.IsLoggedIn() {
		return PortalInfo{}, ErrNotLoggedIn
	}
	session := u.Session()

	key := store.PortalKey{UID: chatID, Receiver: chatID}
	var puppet *Puppet
	if agent.IsGroupID(chatID) {
		key.Receiver = u.UIN()
	} else {
		puppet, err = b.registry.GetPuppetByUIN(ctx, chatID)
		if err != nil {
			return PortalInfo{}, err
		}
		if info, err := session.GetUserInfo(ctx, chatID); err == nil {
			if err := b.SyncPuppetName(ctx, puppet, contactName(*info), store.NameQualityName, false); err != nil {
				b.logger.Warn("failed to sync puppet name", "uin", chatID, "error", err)
			}
		}
	}

	portal, err := b.registry.GetPortalByKey(ctx, key)
	if err != nil {
		return PortalInfo{}, err
	}
	if _, err := b.EnsureRoom(ctx, portal, mxid, puppet, agent.Chat{}, session); err != nil {
		return PortalInfo{}, err
	}
	return portalInfo(portal), nil
}

// PortalInfo describes the portal bridged to room.
func (b *Bridge) PortalInfo(ctx context.Context, room id.RoomID) (PortalInfo, error) {
	p, err := b.registry.GetPortalByMXID(ctx, room)
	if err != nil {
		return PortalInfo{}, err
	}
	return portalInfo(p), nil
}

// UnbridgeRoom detaches room from its conversation.
func (b *Bridge) UnbridgeRoom(ctx context.Context, room id.RoomID) error {
	p, err := b.registry.GetPortalByMXID(ctx, room)
	if err != nil {
		return err
	}
	if err := b.Cleanup(ctx, p); err != nil {
		return fmt.Errorf("unbridging %s: %w", room, err)
	}
	return nil
}
