// ABOUTME: Matrix → WeChat translation of appservice events
// ABOUTME: Dispatches messages, redactions, membership and room state by event type

package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/store"
)

var errNotLoggedIn = errors.New("not logged in")

// ProcessMatrixEvent bridges one Matrix event synchronously.
func (b *Bridge) ProcessMatrixEvent(ctx context.Context, evt *event.Event) error {
	if evt.Sender == b.opts.BotMXID || b.opts.IsGhost(evt.Sender) {
		return nil
	}
	if evt.Timestamp > 0 && time.Since(time.UnixMilli(evt.Timestamp)) > b.opts.MaxEventAge {
		b.logger.Debug("dropping stale matrix event", "event_id", evt.ID, "room", evt.RoomID)
		return nil
	}
	if gjson.GetBytes(evt.Content.VeryRaw, gjsonEscape(doublePuppetSourceKey)).Exists() {
		return nil
	}
	if evt.Content.Parsed == nil && len(evt.Content.VeryRaw) > 0 {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			b.logger.Debug("unparseable matrix event", "event_id", evt.ID, "type", evt.Type.Type, "error", err)
		}
	}

	switch evt.Type.Type {
	case event.EventMessage.Type, event.EventSticker.Type:
		return b.handleMatrixMessage(ctx, evt)
	case event.EventRedaction.Type:
		return b.handleMatrixRedaction(ctx, evt)
	case event.StateMember.Type:
		return b.handleMatrixMember(ctx, evt)
	case event.StateEncryption.Type:
		return b.updatePortalState(ctx, evt, func(row *store.Portal) { row.Encrypted = true })
	case event.StateRoomName.Type:
		name := evt.Content.AsRoomName().Name
		return b.updatePortalState(ctx, evt, func(row *store.Portal) {
			row.Name = name
			row.NameSet = name != ""
		})
	case event.StateTopic.Type:
		topic := evt.Content.AsTopic().Topic
		return b.updatePortalState(ctx, evt, func(row *store.Portal) {
			row.Topic = topic
			row.TopicSet = topic != ""
		})
	case event.StateRoomAvatar.Type:
		url := evt.Content.AsRoomAvatar().URL
		return b.updatePortalState(ctx, evt, func(row *store.Portal) {
			row.AvatarURL = string(url)
			row.AvatarSet = url != ""
		})
	case event.StatePowerLevels.Type:
		b.logger.Debug("power levels changed", "room", evt.RoomID, "sender", evt.Sender)
	case event.EventReaction.Type:
		b.logger.Debug("reaction not bridged", "room", evt.RoomID, "event_id", evt.ID)
	case event.EphemeralEventTyping.Type, event.EphemeralEventPresence.Type, event.EphemeralEventReceipt.Type:
		b.logger.Debug("ephemeral event", "type", evt.Type.Type, "room", evt.RoomID)
	default:
		b.logger.Debug("unhandled matrix event", "type", evt.Type.Type, "room", evt.RoomID)
	}
	return nil
}

func gjsonEscape(path string) string {
	return strings.ReplaceAll(path, ".", `\.`)
}

// replyTarget returns the event a Matrix message replies to.
func replyTarget(evt *event.Event, content *event.MessageEventContent) id.EventID {
	if r := gjson.GetBytes(evt.Content.VeryRaw, `m\.relates_to.m\.in_reply_to.event_id`); r.Exists() {
		return id.EventID(r.String())
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		return content.RelatesTo.InReplyTo.EventID
	}
	return ""
}

func (b *Bridge) handleMatrixMessage(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMessage()

	body := strings.TrimSpace(content.Body)
	if strings.HasPrefix(body, b.opts.CommandPrefix) {
		b.commands.Handle(ctx, evt.RoomID, evt.Sender, strings.TrimSpace(strings.TrimPrefix(body, b.opts.CommandPrefix)))
		return nil
	}

	portal, err := b.portalForRoom(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if portal == nil {
		if b.isManagementRoom(ctx, evt.RoomID, evt.Sender) {
			b.commands.Handle(ctx, evt.RoomID, evt.Sender, body)
		}
		return nil
	}

	if b.opts.PermissionLevel(evt.Sender) < PermissionUser {
		b.logger.Debug("sender lacks permission", "sender", evt.Sender)
		return nil
	}
	user, err := b.registry.GetUserByMXID(ctx, evt.Sender)
	if err != nil {
		return err
	}
	session := user.Session()
	if !user.IsLoggedIn() {
		b.logger.Debug("dropping message from logged out user", "sender", evt.Sender, "room", evt.RoomID)
		return nil
	}

	chat := portal.Key().UID
	var replyTo string
	if target := replyTarget(evt, content); target != "" {
		replyTo, _ = b.correlator.ResolveReplyTarget(ctx, target)
	}

	var msgID string
	msgType := content.MsgType
	if evt.Type == event.EventSticker {
		msgType = event.MessageType(event.EventSticker.Type)
	}
	switch msgType {
	case event.MsgText, event.MsgNotice:
		msgID, err = session.SendText(ctx, chat, MatrixToWeChat(content), replyTo)
	case event.MsgEmote:
		msgID, err = session.SendText(ctx, chat, "/me "+MatrixToWeChat(content), replyTo)
	case event.MsgLocation:
		msgID, err = session.SendText(ctx, chat, content.Body+"\n"+content.GeoURI, replyTo)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile, event.MessageType(event.EventSticker.Type):
		var data []byte
		data, err = b.downloadMatrixMedia(ctx, content)
		if err != nil {
			return err
		}
		switch msgType {
		case event.MsgImage:
			msgID, err = session.SendImage(ctx, chat, data, replyTo)
		case event.MsgVideo:
			msgID, err = session.SendVideo(ctx, chat, data, replyTo)
		case event.MsgAudio, event.MsgFile:
			msgID, err = session.SendFile(ctx, chat, data, content.Body, replyTo)
		default:
			msgID, err = session.SendEmoji(ctx, chat, data)
		}
	default:
		b.logger.Debug("unsupported message type", "msgtype", msgType, "event_id", evt.ID)
		return nil
	}
	if err != nil {
		return err
	}

	ts := time.UnixMilli(evt.Timestamp)
	if evt.Timestamp == 0 {
		ts = time.Now()
	}
	if err := b.correlator.RecordSent(ctx, portal.Key(), msgID, evt.ID, evt.Sender.String(), ts, KindOutbound); err != nil {
		b.logger.Error("failed to record correlation", "msg_id", msgID, "event_id", evt.ID, "error", err)
	}
	b.logger.Debug("bridged matrix message", "event_id", evt.ID, "msg_id", msgID)
	return nil
}

func (b *Bridge) downloadMatrixMedia(ctx context.Context, content *event.MessageEventContent) ([]byte, error) {
	uri := content.URL
	if uri == "" && content.File != nil {
		uri = content.File.URL
	}
	if uri == "" {
		return nil, errors.New("message has no media url")
	}
	return b.intents.Bot().DownloadMedia(ctx, uri)
}

func (b *Bridge) handleMatrixRedaction(ctx context.Context, evt *event.Event) error {
	target := evt.Redacts
	if target == "" {
		target = evt.Content.AsRedaction().Redacts
	}
	rec, ok := b.correlator.ResolveByEvent(ctx, target)
	if !ok {
		return nil
	}
	user, err := b.registry.GetUserByMXID(ctx, evt.Sender)
	if err != nil {
		return err
	}
	if !user.IsLoggedIn() {
		return nil
	}
	if err := user.Session().RevokeMessage(ctx, rec.Key.UID, rec.MsgID); err != nil {
		return err
	}
	b.logger.Debug("revoked wechat message", "msg_id", rec.MsgID, "event_id", target)
	return nil
}

func (b *Bridge) handleMatrixMember(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMember()
	target := id.UserID(evt.GetStateKey())
	if target != b.opts.BotMXID || content.Membership != event.MembershipInvite {
		return nil
	}
	if b.opts.PermissionLevel(evt.Sender) < PermissionUser {
		b.logger.Debug("ignoring invite from unpermitted user", "sender", evt.Sender, "room", evt.RoomID)
		return nil
	}

	bot := b.intents.Bot()
	if err := bot.JoinRoom(ctx, evt.RoomID); err != nil {
		return err
	}
	portal, err := b.portalForRoom(ctx, evt.RoomID)
	if err != nil || portal != nil {
		return err
	}

	user, err := b.registry.GetUserByMXID(ctx, evt.Sender)
	if err != nil {
		return err
	}
	if user.ManagementRoom() == "" {
		if err := b.registry.UpdateUser(ctx, user, func(row *store.User) {
			row.ManagementRoom = evt.RoomID.String()
		}); err != nil {
			return err
		}
		b.logger.Info("set management room", "user", evt.Sender, "room", evt.RoomID)
	}
	b.sendNotice(ctx, evt.RoomID, b.welcomeText(user))
	return nil
}

func (b *Bridge) welcomeText(u *User) string {
	text := b.opts.ManagementRoomText.Welcome
	if u.IsLoggedIn() {
		return text + "\n" + b.opts.ManagementRoomText.WelcomeConnected
	}
	return text + "\n" + b.opts.ManagementRoomText.WelcomeUnconnected
}

func (b *Bridge) isManagementRoom(ctx context.Context, room id.RoomID, sender id.UserID) bool {
	u, err := b.registry.GetUserByMXID(ctx, sender)
	if err != nil {
		return false
	}
	return u.ManagementRoom() == room
}

func (b *Bridge) updatePortalState(ctx context.Context, evt *event.Event, fn func(*store.Portal)) error {
	portal, err := b.portalForRoom(ctx, evt.RoomID)
	if err != nil || portal == nil {
		return err
	}
	b.logger.Debug("portal state changed", "room", evt.RoomID, "type", evt.Type.Type)
	return b.registry.UpdatePortal(ctx, portal, fn)
}
