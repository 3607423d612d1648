// ABOUTME: Shared fixtures for bridge tests
// ABOUTME: Builds a bridge over the mock store, fake homeserver and a scripted agent

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/retry"
	"github.com/2389/matrix-wechat/internal/store"
)

const (
	testDomain = "example.org"
	testBot    = id.UserID("@wechatbot:example.org")
	testUser   = id.UserID("@alice:example.org")
)

type agentCall struct {
	MXID string
	Type agent.RequestType
	Data any
}

// fakeAgent answers agent requests from per-type handlers.
type fakeAgent struct {
	mu       sync.Mutex
	handlers map[agent.RequestType]func(mxid string, data any) (any, error)
	calls    []agentCall
	state    retry.State
	pushes   chan agent.Push
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		handlers: make(map[agent.RequestType]func(string, any) (any, error)),
		state:    retry.StateConnected,
		pushes:   make(chan agent.Push, 16),
	}
}

func (f *fakeAgent) On(typ agent.RequestType, fn func(mxid string, data any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[typ] = fn
}

// Reply makes typ answer with a fixed value.
func (f *fakeAgent) Reply(typ agent.RequestType, v any) {
	f.On(typ, func(string, any) (any, error) { return v, nil })
}

func (f *fakeAgent) Request(ctx context.Context, mxid string, req *agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentCall{MXID: mxid, Type: req.Type, Data: req.Data})
	fn := f.handlers[req.Type]
	connected := f.state == retry.StateConnected
	f.mu.Unlock()

	if !connected {
		return nil, agent.ErrNoConnection
	}
	resp := &agent.Response{Type: req.Type}
	if fn == nil {
		return resp, nil
	}
	out, err := fn(mxid, req.Data)
	var remote *agent.RemoteError
	if errors.As(err, &remote) {
		resp.Error = &agent.ErrorPayload{Code: remote.Code, Message: remote.Message}
		return resp, err
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	resp.Data = raw
	return resp, nil
}

func (f *fakeAgent) Subscribe(ctx context.Context) (<-chan agent.Push, string) {
	return f.pushes, "fake"
}

func (f *fakeAgent) State() retry.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAgent) SetState(s retry.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

// Calls returns the recorded calls, optionally filtered by type.
func (f *fakeAgent) Calls(types ...agent.RequestType) []agentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(types) == 0 {
		return append([]agentCall(nil), f.calls...)
	}
	var out []agentCall
	for _, c := range f.calls {
		for _, t := range types {
			if c.Type == t {
				out = append(out, c)
			}
		}
	}
	return out
}

type harness struct {
	b     *Bridge
	hs    *matrix.Fake
	agent *fakeAgent
	store *store.MockStore
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	opts := Options{Domain: testDomain, BotMXID: testBot}
	for _, fn := range mutate {
		fn(&opts)
	}
	h := &harness{
		hs:    matrix.NewFake(testBot),
		agent: newFakeAgent(),
		store: store.NewMockStore(),
	}
	b, err := New(opts, h.store, h.hs, h.agent, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	h.b = b
	t.Cleanup(b.Stop)
	return h
}

// loginUser binds mxid to uin with a live session.
func (h *harness) loginUser(t *testing.T, mxid id.UserID, uin string) *User {
	t.Helper()
	ctx := t.Context()
	u, err := h.b.registry.GetUserByMXID(ctx, mxid)
	require.NoError(t, err)
	require.NoError(t, h.b.registry.UpdateUser(ctx, u, func(row *store.User) { row.UIN = uin }))
	u.setSession(agent.NewClient(h.agent, mxid.String()))
	return u
}

// bridgedRoom materializes the portal for a private chat with uin.
func (h *harness) bridgedRoom(t *testing.T, uin string) (*Portal, id.RoomID) {
	t.Helper()
	ctx := t.Context()
	portal, err := h.b.registry.GetPortalByKey(ctx, store.PortalKey{UID: uin, Receiver: uin})
	require.NoError(t, err)
	puppet, err := h.b.registry.GetPuppetByUIN(ctx, uin)
	require.NoError(t, err)
	room, err := h.b.EnsureRoom(ctx, portal, testUser, puppet, agent.Chat{}, nil)
	require.NoError(t, err)
	return portal, room
}

func textPush(evtID, chat, from, content string) agent.Push {
	chatType := agent.ChatPrivate
	if agent.IsGroupID(chat) {
		chatType = agent.ChatGroup
	}
	return agent.Push{
		MXID: testUser.String(),
		Event: &agent.Event{
			ID:        evtID,
			Timestamp: time.Now().Unix(),
			From:      agent.Sender{ID: from, Username: "Bob"},
			Chat:      agent.Chat{ID: chat, Type: chatType},
			Type:      agent.EventText,
			Content:   content,
		},
	}
}

func dataPush(t *testing.T, evtID, chat, from string, typ agent.EventType, data any) agent.Push {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	p := textPush(evtID, chat, from, "")
	p.Event.Type = typ
	p.Event.Data = raw
	return p
}

func matrixMessage(room id.RoomID, sender id.UserID, eventID id.EventID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    room,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

// noticesIn returns the bodies of notices the bot sent to room.
func (h *harness) noticesIn(room id.RoomID) []string {
	var out []string
	for _, e := range h.hs.Events() {
		if e.RoomID != room || e.Sender != testBot {
			continue
		}
		if c, ok := e.Content.(*event.MessageEventContent); ok && c.MsgType == event.MsgNotice {
			out = append(out, c.Body)
		}
	}
	return out
}
