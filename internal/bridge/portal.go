// ABOUTME: Portal room lifecycle: materialization, metadata push, participants, cleanup
// ABOUTME: Rooms are created by the bot and joined by the conversation's puppet

package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/store"
)

// StateRoomBridge marks a room as bridged to a WeChat conversation.
var StateRoomBridge = event.Type{Type: "m.room.bridge", Class: event.StateEventType}

const (
	bridgeProtocolID   = "wechat"
	bridgeStateKeyBase = "net.maunium.wechat://wechat/"
)

// BridgeStateKey returns the bridge state key for a conversation.
func BridgeStateKey(uid string) string {
	return bridgeStateKeyBase + uid
}

// EnsureRoom returns the portal's room, creating it when the portal has none.
// puppet may be nil when no WeChat participant is known yet. chat carries the
// event's conversation type and title; a zero Chat falls back to the shape of
// the conversation id.
func (b *Bridge) EnsureRoom(ctx context.Context, portal *Portal, owner id.UserID, puppet *Puppet, chat agent.Chat, session *agent.Client) (id.RoomID, error) {
	if room := portal.MXID(); room != "" {
		return room, nil
	}

	portal.roomMu.Lock()
	defer portal.roomMu.Unlock()
	if room := portal.MXID(); room != "" {
		return room, nil
	}

	bot := b.intents.Bot()
	private := roomIsPrivate(portal, chat.Type)
	name := b.portalName(ctx, portal, puppet, chat.Title, private, session)

	var puppetMXID id.UserID
	if puppet != nil {
		puppetMXID = puppet.MXID()
	}

	params := &matrix.CreateRoomParams{
		Name:     name,
		Preset:   matrix.PresetPublicChat,
		IsDirect: private,
		PowerLevels: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{bot.UserID(): 100},
		},
	}
	if private {
		params.Preset = matrix.PresetPrivateChat
	}
	for _, u := range []id.UserID{owner, puppetMXID} {
		if u == "" || u == bot.UserID() || slices.Contains(params.Invite, u) {
			continue
		}
		params.Invite = append(params.Invite, u)
		params.PowerLevels.Users[u] = 100
	}

	stateKey := BridgeStateKey(portal.key.UID)
	params.InitialState = append(params.InitialState, &event.Event{
		Type:     StateRoomBridge,
		StateKey: &stateKey,
		Content: event.Content{Parsed: &event.BridgeEventContent{
			BridgeBot: bot.UserID(),
			Creator:   bot.UserID(),
			Protocol:  event.BridgeInfoSection{ID: bridgeProtocolID, DisplayName: "WeChat"},
			Channel:   event.BridgeInfoSection{ID: portal.key.UID, DisplayName: name},
		}},
	})
	if b.opts.EncryptionDefault {
		empty := ""
		params.InitialState = append(params.InitialState, &event.Event{
			Type:     event.StateEncryption,
			StateKey: &empty,
			Content:  event.Content{Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}},
		})
	}

	roomID, err := bot.CreateRoom(ctx, params)
	if err != nil {
		return "", fmt.Errorf("creating room for %s: %w", portal.key, err)
	}

	err = b.registry.UpdatePortal(ctx, portal, func(row *store.Portal) {
		row.MXID = roomID.String()
		if name != "" {
			row.Name = name
			row.NameSet = true
		}
		row.Encrypted = b.opts.EncryptionDefault
	})
	if err != nil {
		b.logger.Error("failed to save portal room", "portal", portal.key.String(), "room", roomID, "error", err)
	}
	b.logger.Info("created portal room", "portal", portal.key.String(), "room", roomID, "private", private)

	if puppet != nil {
		intent, err := b.puppetIntent(ctx, puppet)
		if err == nil {
			err = intent.JoinRoom(ctx, roomID)
		}
		if err != nil {
			b.logger.Warn("puppet failed to join portal room", "room", roomID, "puppet", puppetMXID, "error", err)
		}
	}
	return roomID, nil
}

// roomIsPrivate reports whether the portal's room is a direct chat.
func roomIsPrivate(portal *Portal, chatType agent.ChatType) bool {
	switch chatType {
	case agent.ChatPrivate:
		return true
	case agent.ChatGroup:
		return false
	}
	return portal.IsPrivate()
}

func (b *Bridge) portalName(ctx context.Context, portal *Portal, puppet *Puppet, title string, private bool, session *agent.Client) string {
	if title != "" {
		return title
	}
	if !private {
		if session != nil {
			info, err := session.GetGroupInfo(ctx, portal.key.UID)
			if err == nil && info.Name != "" {
				return info.Name
			}
			if err != nil {
				b.logger.Debug("group info unavailable", "group", portal.key.UID, "error", err)
			}
		}
		return ""
	}
	if puppet != nil {
		return puppet.Snapshot().Displayname
	}
	return ""
}

// UpdateMatrixRoom pushes name, topic and avatar to the portal room when they
// differ from what was last set. Empty values are left alone.
func (b *Bridge) UpdateMatrixRoom(ctx context.Context, portal *Portal, name, topic string, avatar id.ContentURIString) (bool, error) {
	room := portal.MXID()
	if room == "" {
		return false, nil
	}
	bot := b.intents.Bot()
	cur := portal.Snapshot()
	changed := false

	if name != "" && (!cur.NameSet || cur.Name != name) {
		if _, err := bot.SetState(ctx, room, event.StateRoomName, "", &event.RoomNameEventContent{Name: name}); err != nil {
			return changed, err
		}
		if err := b.registry.UpdatePortal(ctx, portal, func(row *store.Portal) {
			row.Name = name
			row.NameSet = true
		}); err != nil {
			return changed, err
		}
		changed = true
	}
	if topic != "" && (!cur.TopicSet || cur.Topic != topic) {
		if _, err := bot.SetState(ctx, room, event.StateTopic, "", &event.TopicEventContent{Topic: topic}); err != nil {
			return changed, err
		}
		if err := b.registry.UpdatePortal(ctx, portal, func(row *store.Portal) {
			row.Topic = topic
			row.TopicSet = true
		}); err != nil {
			return changed, err
		}
		changed = true
	}
	if avatar != "" && (!cur.AvatarSet || cur.AvatarURL != string(avatar)) {
		if _, err := bot.SetState(ctx, room, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{URL: avatar}); err != nil {
			return changed, err
		}
		if err := b.registry.UpdatePortal(ctx, portal, func(row *store.Portal) {
			row.Avatar = string(avatar)
			row.AvatarURL = string(avatar)
			row.AvatarSet = true
		}); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// SyncParticipants makes every group member's puppet a joined member of the
// portal room and refreshes their names.
func (b *Bridge) SyncParticipants(ctx context.Context, portal *Portal, members []agent.GroupMember) error {
	room := portal.MXID()
	if room == "" {
		return nil
	}
	bot := b.intents.Bot()
	joined, err := bot.JoinedMembers(ctx, room)
	if err != nil {
		return err
	}
	present := make(map[id.UserID]bool, len(joined))
	for _, u := range joined {
		present[u] = true
	}

	for _, m := range members {
		puppet, err := b.registry.GetPuppetByUIN(ctx, m.ID)
		if err != nil {
			b.logger.Warn("failed to load member puppet", "uin", m.ID, "error", err)
			continue
		}
		name := m.Nickname
		if name == "" {
			name = m.Name
		}
		if name != "" {
			if err := b.SyncPuppetName(ctx, puppet, name, store.NameQualityName, false); err != nil {
				b.logger.Warn("failed to sync member name", "uin", m.ID, "error", err)
			}
		}
		mxid := puppet.MXID()
		if present[mxid] {
			continue
		}
		intent, err := b.puppetIntent(ctx, puppet)
		if err != nil {
			b.logger.Warn("no intent for member", "uin", m.ID, "error", err)
			continue
		}
		if err := bot.InviteUser(ctx, room, mxid); err != nil {
			b.logger.Warn("failed to invite member", "room", room, "user", mxid, "error", err)
			continue
		}
		if err := intent.JoinRoom(ctx, room); err != nil {
			b.logger.Warn("member failed to join", "room", room, "user", mxid, "error", err)
		}
	}

	return b.registry.UpdatePortal(ctx, portal, func(row *store.Portal) {
		row.LastSync = time.Now()
	})
}

// Cleanup detaches the portal from its room: the bot leaves, the room id and
// metadata flags are cleared and the room index entry dropped.
func (b *Bridge) Cleanup(ctx context.Context, portal *Portal) error {
	room := portal.MXID()
	if room == "" {
		return nil
	}
	if err := b.intents.Bot().LeaveRoom(ctx, room); err != nil {
		b.logger.Warn("bot failed to leave portal room", "room", room, "error", err)
	}
	err := b.registry.UpdatePortal(ctx, portal, func(row *store.Portal) {
		row.MXID = ""
		row.NameSet = false
		row.TopicSet = false
		row.AvatarSet = false
		row.Encrypted = false
	})
	if err != nil {
		return err
	}
	b.logger.Info("cleaned up portal", "portal", portal.key.String(), "room", room)
	return nil
}

// portalForRoom returns the portal bridged to room, or nil.
func (b *Bridge) portalForRoom(ctx context.Context, room id.RoomID) (*Portal, error) {
	p, err := b.registry.GetPortalByMXID(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}
