// ABOUTME: WeChat → Matrix translation of agent push events
// ABOUTME: Resolves portal and puppet, materializes the room, sends as the puppet, records correlation

package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/store"
)

const revokeReason = "Message revoked"

// doublePuppetSourceKey tags content sent through a double puppet so that its
// echo is not bridged back.
const doublePuppetSourceKey = "fi.mau.double_puppet_source"

const doublePuppetSource = "matrix-wechat"

// errSkip marks events that are deliberately not bridged.
var errSkip = errors.New("event not bridged")

func replayKey(evt *agent.Event) string {
	return evt.Chat.ID + "|" + evt.ID
}

// HandleExternalEvent bridges one agent push synchronously. Replays of an
// event id already bridged within the replay window are dropped.
func (b *Bridge) HandleExternalEvent(ctx context.Context, p agent.Push) error {
	evt := p.Event
	if evt == nil {
		return nil
	}
	switch evt.Type {
	case agent.EventNotice, agent.EventVoip, agent.EventSystem:
		b.logger.Debug("ignoring wechat event", "event_id", evt.ID, "type", evt.Type)
		return nil
	case agent.EventSticker:
		b.logger.Debug("sticker event received", "event_id", evt.ID, "chat", evt.Chat.ID)
		return nil
	}

	rk := replayKey(evt)
	if b.replay.Seen(rk) {
		b.logger.Debug("dropping replayed wechat event", "event_id", evt.ID, "chat", evt.Chat.ID)
		return nil
	}
	err := b.bridgeExternal(ctx, p)
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		b.replay.Forget(rk)
	}
	return err
}

func (b *Bridge) bridgeExternal(ctx context.Context, p agent.Push) error {
	evt := p.Event
	key := store.PortalKey{UID: evt.Chat.ID, Receiver: evt.From.ID}
	if evt.Type == agent.EventRevoke {
		return b.handleRevoke(ctx, evt)
	}

	owner := id.UserID(p.MXID)
	if owner == "" {
		owner = b.opts.BotMXID
	}
	session := b.sessionFor(ctx, owner)

	portal, err := b.registry.GetPortalByKey(ctx, key)
	if err != nil {
		return err
	}
	puppet, err := b.registry.GetPuppetByUIN(ctx, evt.From.ID)
	if err != nil {
		return err
	}
	name, quality := senderName(evt.From)
	if err := b.SyncPuppetName(ctx, puppet, name, quality, false); err != nil {
		b.logger.Warn("failed to sync puppet name", "uin", evt.From.ID, "error", err)
	}

	roomID, err := b.EnsureRoom(ctx, portal, owner, puppet, evt.Chat, session)
	if err != nil {
		return err
	}
	intent, err := b.puppetIntent(ctx, puppet)
	if err != nil {
		return fmt.Errorf("puppet intent for %s: %w", puppet.UIN(), err)
	}

	content, err := b.convertExternal(ctx, session, intent, key, evt)
	if err != nil {
		return err
	}

	eventID, err := intent.SendMessage(ctx, roomID, event.EventMessage, b.wrapContent(puppet, content))
	if err != nil {
		return err
	}
	if err := b.correlator.RecordSent(ctx, key, evt.ID, eventID, intent.UserID().String(), evt.Time(), KindInbound); err != nil {
		b.logger.Error("failed to record correlation", "msg_id", evt.ID, "event_id", eventID, "error", err)
	}
	b.logger.Debug("bridged wechat event", "msg_id", evt.ID, "event_id", eventID, "type", evt.Type)
	return nil
}

// wrapContent tags content sent through a double puppet.
func (b *Bridge) wrapContent(p *Puppet, content *event.MessageEventContent) any {
	if !p.IsDoublePuppeted() {
		return content
	}
	return &event.Content{
		Parsed: content,
		Raw:    map[string]any{doublePuppetSourceKey: doublePuppetSource},
	}
}

func (b *Bridge) convertExternal(ctx context.Context, session *agent.Client, intent matrix.RoomClient, key store.PortalKey, evt *agent.Event) (*event.MessageEventContent, error) {
	var content *event.MessageEventContent
	var err error

	switch evt.Type {
	case agent.EventText:
		if evt.Content == "" {
			return nil, errSkip
		}
		content = WeChatToMatrix(evt.Content)
	case agent.EventPhoto:
		content, err = b.convertMedia(ctx, intent, evt, event.MsgImage, "image/jpeg", fmt.Sprintf("image_%d.jpg", evt.Timestamp), session.DownloadImage)
	case agent.EventVideo:
		content, err = b.convertMedia(ctx, intent, evt, event.MsgVideo, "video/mp4", fmt.Sprintf("video_%d.mp4", evt.Timestamp), session.DownloadVideo)
	case agent.EventAudio:
		content, err = b.convertMedia(ctx, intent, evt, event.MsgAudio, "audio/ogg", fmt.Sprintf("audio_%d.ogg", evt.Timestamp), session.DownloadAudio)
	case agent.EventFile:
		content, err = b.convertMedia(ctx, intent, evt, event.MsgFile, "application/octet-stream", "", session.DownloadFile)
	case agent.EventLocation:
		content, err = convertLocation(evt)
	case agent.EventApp:
		content, err = convertApp(evt)
	default:
		b.logger.Debug("unsupported wechat event", "event_id", evt.ID, "type", evt.Type)
		return nil, errSkip
	}
	if err != nil {
		return nil, err
	}

	if evt.Reply != nil {
		if target, ok := b.correlator.ResolveReplyEvent(ctx, key, evt.Reply.ID); ok {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: target}}
		} else {
			b.logger.Debug("reply target unknown", "msg_id", evt.ID, "reply_to", evt.Reply.ID)
		}
	}
	return content, nil
}

type downloadFunc func(ctx context.Context, xml string) ([]byte, error)

func (b *Bridge) convertMedia(ctx context.Context, intent matrix.RoomClient, evt *agent.Event, msgType event.MessageType, mime, name string, download downloadFunc) (*event.MessageEventContent, error) {
	var ref agent.MediaRef
	if err := evt.DecodeData(&ref); err != nil {
		b.logger.Warn("media event without data", "event_id", evt.ID, "type", evt.Type)
		return nil, errSkip
	}
	if name == "" {
		name = ref.Name
		if name == "" {
			name = evt.ID
		}
	}

	data, err := download(ctx, ref.XML)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", evt.Type, err)
	}
	uri, err := intent.UploadMedia(ctx, data, mime, name)
	if err != nil {
		return nil, err
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    name,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: mime,
			Size:     len(data),
		},
	}, nil
}

func convertLocation(evt *agent.Event) (*event.MessageEventContent, error) {
	var loc agent.LocationData
	if err := evt.DecodeData(&loc); err != nil {
		return nil, errSkip
	}
	name := loc.Name
	if name == "" {
		name = "Location"
	}
	body := name
	if loc.Address != "" {
		body = name + ": " + loc.Address
	}
	return &event.MessageEventContent{
		MsgType: event.MsgLocation,
		Body:    body,
		GeoURI:  GeoURI(loc.Latitude, loc.Longitude),
	}, nil
}

// GeoURI formats coordinates as an RFC 5870 geo uri.
func GeoURI(lat, lon float64) string {
	return "geo:" + strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}

func convertApp(evt *agent.Event) (*event.MessageEventContent, error) {
	var app agent.AppData
	if err := evt.DecodeData(&app); err != nil {
		return nil, errSkip
	}
	title := app.Title
	if title == "" {
		title = "Link"
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          title + "\n\n" + app.URL,
		Format:        event.FormatHTML,
		FormattedBody: fmt.Sprintf(`<strong>%s</strong><br/><br/><a href="%s">%s</a>`, html.EscapeString(title), html.EscapeString(app.URL), html.EscapeString(app.URL)),
	}, nil
}

func (b *Bridge) handleRevoke(ctx context.Context, evt *agent.Event) error {
	msgID := evt.ID
	var data agent.RevokeData
	if err := evt.DecodeData(&data); err == nil && data.MsgID != "" {
		msgID = data.MsgID
	}

	target, ok := b.correlator.ResolveRedactionTarget(ctx, msgID)
	if !ok {
		b.logger.Debug("revoked message not bridged", "msg_id", msgID)
		return nil
	}
	portal, err := b.registry.GetPortalByKey(ctx, target.Key)
	if err != nil {
		return err
	}
	room := portal.MXID()
	if room == "" {
		return nil
	}
	if _, err := b.intents.Bot().Redact(ctx, room, target.EventID, revokeReason); err != nil {
		return err
	}
	b.logger.Info("revoked message", "msg_id", msgID, "event_id", target.EventID)
	return nil
}
