// ABOUTME: Tests for the Matrix to WeChat pipeline
// ABOUTME: Message kinds, drops, redactions and room state bookkeeping

package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/store"
)

func sendReply(msgID string) func(string, any) (any, error) {
	return func(string, any) (any, error) { return map[string]string{"msg_id": msgID}, nil }
}

func TestOutboundTextSendsAndRecords(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.loginUser(t, testUser, "wxid_alice")
	portal, room := h.bridgedRoom(t, "wxid_bob")
	h.agent.On(agent.RequestSendText, sendReply("w1"))

	evt := matrixMessage(room, testUser, "$m1", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi 🙂"})
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, evt))

	calls := h.agent.Calls(agent.RequestSendText)
	require.Len(t, calls, 1)
	assert.Equal(t, testUser.String(), calls[0].MXID)
	payload := calls[0].Data.(map[string]any)
	assert.Equal(t, "wxid_bob", payload["chat_id"])
	assert.Equal(t, "hi [微笑]", payload["text"])
	assert.NotContains(t, payload, "reply_to")

	rec, err := h.store.GetMessage(ctx, portal.Key(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "$m1", rec.MXID)
	assert.Equal(t, KindOutbound, rec.Type)
}

func TestOutboundEmoteAndReply(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.loginUser(t, testUser, "wxid_alice")
	portal, room := h.bridgedRoom(t, "wxid_bob")
	h.agent.On(agent.RequestSendText, sendReply("w2"))
	require.NoError(t, h.b.correlator.RecordSent(ctx, portal.Key(), "w1", "$orig", "x", time.Now(), KindInbound))

	raw := []byte(`{"msgtype":"m.emote","body":"waves","m.relates_to":{"m.in_reply_to":{"event_id":"$orig"}}}`)
	evt := &event.Event{
		ID:        "$m2",
		RoomID:    room,
		Sender:    testUser,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{VeryRaw: json.RawMessage(raw)},
	}
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, evt))

	calls := h.agent.Calls(agent.RequestSendText)
	require.Len(t, calls, 1)
	payload := calls[0].Data.(map[string]any)
	assert.Equal(t, "/me waves", payload["text"])
	assert.Equal(t, "w1", payload["reply_to"])
}

func TestOutboundMediaKinds(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.loginUser(t, testUser, "wxid_alice")
	_, room := h.bridgedRoom(t, "wxid_bob")
	uri := h.hs.PutMedia([]byte("bytes"))
	for _, typ := range []agent.RequestType{agent.RequestSendImage, agent.RequestSendFile, agent.RequestSendEmoji} {
		h.agent.On(typ, sendReply(string(typ)))
	}

	img := matrixMessage(room, testUser, "$img", &event.MessageEventContent{MsgType: event.MsgImage, Body: "a.png", URL: uri})
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, img))
	file := matrixMessage(room, testUser, "$file", &event.MessageEventContent{MsgType: event.MsgFile, Body: "doc.pdf", URL: uri})
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, file))
	sticker := matrixMessage(room, testUser, "$sticker", &event.MessageEventContent{Body: "sticker", URL: uri})
	sticker.Type = event.EventSticker
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, sticker))

	imgCalls := h.agent.Calls(agent.RequestSendImage)
	require.Len(t, imgCalls, 1)
	assert.Equal(t, []byte("bytes"), imgCalls[0].Data.(map[string]any)["image"])

	fileCalls := h.agent.Calls(agent.RequestSendFile)
	require.Len(t, fileCalls, 1)
	assert.Equal(t, "doc.pdf", fileCalls[0].Data.(map[string]any)["filename"])

	assert.Len(t, h.agent.Calls(agent.RequestSendEmoji), 1)
}

func TestOutboundLocationAsText(t *testing.T) {
	h := newHarness(t)
	h.loginUser(t, testUser, "wxid_alice")
	_, room := h.bridgedRoom(t, "wxid_bob")
	h.agent.On(agent.RequestSendText, sendReply("w1"))

	evt := matrixMessage(room, testUser, "$loc", &event.MessageEventContent{MsgType: event.MsgLocation, Body: "Office", GeoURI: "geo:1,2"})
	require.NoError(t, h.b.ProcessMatrixEvent(t.Context(), evt))

	calls := h.agent.Calls(agent.RequestSendText)
	require.Len(t, calls, 1)
	assert.Equal(t, "Office\ngeo:1,2", calls[0].Data.(map[string]any)["text"])
}

func TestOutboundDrops(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	ghost := h.b.opts.GhostMXID("wxid_bob")
	h.loginUser(t, testUser, "wxid_alice")
	h.loginUser(t, testBot, "wxid_bot")
	h.loginUser(t, ghost, "wxid_ghost")
	_, room := h.bridgedRoom(t, "wxid_bob")
	h.agent.On(agent.RequestSendText, sendReply("w1"))

	text := func(sender id.UserID, eventID id.EventID) *event.Event {
		return matrixMessage(room, sender, eventID, &event.MessageEventContent{MsgType: event.MsgText, Body: "x"})
	}
	stale := text(testUser, "$stale")
	stale.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	echo := &event.Event{
		ID:        "$echo",
		RoomID:    room,
		Sender:    testUser,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{VeryRaw: json.RawMessage(`{"msgtype":"m.text","body":"x","` + doublePuppetSourceKey + `":"` + doublePuppetSource + `"}`)},
	}

	cases := []struct {
		name string
		evt  *event.Event
	}{
		{"bot sender", text(testBot, "$bot")},
		{"ghost sender", text(ghost, "$ghost")},
		{"stale", stale},
		{"double puppet echo", echo},
		{"not a portal", matrixMessage("!other:example.org", testUser, "$other", &event.MessageEventContent{MsgType: event.MsgText, Body: "x"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, h.b.ProcessMatrixEvent(ctx, tc.evt))
			assert.Empty(t, h.agent.Calls())
		})
	}

	// The same room and a logged-in sender do reach the agent.
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, text(testUser, "$fresh")))
	assert.Len(t, h.agent.Calls(agent.RequestSendText), 1)
}

func TestOutboundDropsLoggedOutSender(t *testing.T) {
	h := newHarness(t)
	_, room := h.bridgedRoom(t, "wxid_bob")

	evt := matrixMessage(room, testUser, "$c", &event.MessageEventContent{MsgType: event.MsgText, Body: "x"})
	require.NoError(t, h.b.ProcessMatrixEvent(t.Context(), evt))
	assert.Empty(t, h.agent.Calls())
}

func TestScenarioBRedactionMissIsSilentNoop(t *testing.T) {
	h := newHarness(t)
	h.loginUser(t, testUser, "wxid_alice")
	_, room := h.bridgedRoom(t, "wxid_bob")
	before := len(h.hs.Events())

	evt := &event.Event{
		ID:        "$r1",
		RoomID:    room,
		Sender:    testUser,
		Type:      event.EventRedaction,
		Redacts:   "$never-bridged",
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: &event.RedactionEventContent{}},
	}
	require.NoError(t, h.b.ProcessMatrixEvent(t.Context(), evt))

	assert.Empty(t, h.agent.Calls())
	assert.Len(t, h.hs.Events(), before)
}

func TestRedactionRevokesCorrelatedMessage(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.loginUser(t, testUser, "wxid_alice")
	portal, room := h.bridgedRoom(t, "wxid_bob")
	require.NoError(t, h.b.correlator.RecordSent(ctx, portal.Key(), "w9", "$sent", testUser.String(), time.Now(), KindOutbound))

	evt := &event.Event{
		ID:        "$r1",
		RoomID:    room,
		Sender:    testUser,
		Type:      event.EventRedaction,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: &event.RedactionEventContent{Redacts: "$sent"}},
	}
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, evt))

	calls := h.agent.Calls(agent.RequestRevokeMsg)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"wxid_bob", "w9"}, calls[0].Data)
}

func TestCorrelationRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.loginUser(t, testUser, "wxid_alice")

	// WeChat → Matrix
	require.NoError(t, h.b.HandleExternalEvent(ctx, textPush("w1", "wxid_bob", "wxid_bob", "question?")))
	inbound := h.hs.Events()[len(h.hs.Events())-1]

	msgID, ok := h.b.correlator.ResolveReplyTarget(ctx, inbound.EventID)
	require.True(t, ok)
	assert.Equal(t, "w1", msgID)

	// Matrix reply → WeChat reply_to
	h.agent.On(agent.RequestSendText, sendReply("w2"))
	reply := matrixMessage(inbound.RoomID, testUser, "$answer", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "answer",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: inbound.EventID}},
	})
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, reply))
	calls := h.agent.Calls(agent.RequestSendText)
	require.Len(t, calls, 1)
	assert.Equal(t, "w1", calls[0].Data.(map[string]any)["reply_to"])

	target, ok := h.b.correlator.ResolveRedactionTarget(ctx, "w2")
	require.True(t, ok)
	assert.Equal(t, id.EventID("$answer"), target.EventID)
	assert.Equal(t, store.PortalKey{UID: "wxid_bob", Receiver: "wxid_bob"}, target.Key)
}

func TestBotInviteSetsManagementRoom(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	dm := id.RoomID("!dm:example.org")
	h.hs.AddRoom(dm, testUser)

	stateKey := testBot.String()
	evt := &event.Event{
		ID:        "$inv",
		RoomID:    dm,
		Sender:    testUser,
		Type:      event.StateMember,
		StateKey:  &stateKey,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}},
	}
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, evt))

	r, ok := h.hs.Room(dm)
	require.True(t, ok)
	assert.Equal(t, event.MembershipJoin, r.Members[testBot])

	u, err := h.b.registry.GetUserByMXID(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, dm, u.ManagementRoom())

	notices := h.noticesIn(dm)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "Use `login` to log in.")

	// Bare commands work in the management room.
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, matrixMessage(dm, testUser, "$p", &event.MessageEventContent{MsgType: event.MsgText, Body: "ping"})))
	assert.Equal(t, "Pong!", h.noticesIn(dm)[1])
}

func TestPortalStateBookkeeping(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	portal, room := h.bridgedRoom(t, "wxid_bob")

	empty := ""
	enc := &event.Event{ID: "$e", RoomID: room, Sender: testUser, Type: event.StateEncryption, StateKey: &empty,
		Timestamp: time.Now().UnixMilli(), Content: event.Content{Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}}}
	topic := &event.Event{ID: "$t", RoomID: room, Sender: testUser, Type: event.StateTopic, StateKey: &empty,
		Timestamp: time.Now().UnixMilli(), Content: event.Content{Parsed: &event.TopicEventContent{Topic: "plans"}}}
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, enc))
	require.NoError(t, h.b.ProcessMatrixEvent(ctx, topic))

	row := portal.Snapshot()
	assert.True(t, row.Encrypted)
	assert.Equal(t, "plans", row.Topic)
	assert.True(t, row.TopicSet)
}
