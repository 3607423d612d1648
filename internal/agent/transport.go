// ABOUTME: Agent transport: request/response correlation and push event fan-out
// ABOUTME: Accepts the agent's WebSocket, authenticates it once, keeps one canonical link

package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/2389/matrix-wechat/internal/retry"
)

// DefaultRequestTimeout bounds every agent request.
const DefaultRequestTimeout = 30 * time.Second

// maxFrameSize allows media payloads inside a single frame.
const maxFrameSize = 64 << 20

// Options configures a Transport.
type Options struct {
	// Secret is compared against "Authorization: Basic <secret>" on upgrade.
	Secret string
	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Reconnect tracks link state; a default manager is created when nil.
	Reconnect *retry.Manager
	Logger    *slog.Logger
}

// Transport is the single logical channel to the WeChat agent.
type Transport struct {
	secret  string
	timeout time.Duration

	nextID atomic.Int64

	mu   sync.RWMutex
	conn *Connection
	// gen counts attaches; a reconnect watcher exits once it is stale.
	gen uint64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	events *Broadcaster
	state  *retry.Manager

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewTransport creates a transport with no active connection.
func NewTransport(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	state := opts.Reconnect
	if state == nil {
		state = retry.NewManager(retry.ReconnectConfig(), logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		secret:  opts.Secret,
		timeout: timeout,
		pending: make(map[int64]chan *Response),
		events:  NewBroadcaster(logger),
		state:   state,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "agent"),
	}
}

// Subscribe returns a channel of push events published from now on.
func (t *Transport) Subscribe(ctx context.Context) (<-chan Push, string) {
	return t.events.Subscribe(ctx)
}

// State returns the link state as tracked by the reconnection manager.
func (t *Transport) State() retry.State {
	return t.state.State()
}

func (t *Transport) current() *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Request sends req on behalf of mxid and waits for the matching response.
// It fails immediately with ErrNoConnection when no agent is connected and
// with ErrTimeout when no response arrives in time. An error payload in the
// response is returned as *RemoteError alongside the response.
func (t *Transport) Request(ctx context.Context, mxid string, req *Request) (*Response, error) {
	conn := t.current()
	if conn == nil {
		return nil, ErrNoConnection
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Type, err)
	}
	id := t.nextID.Add(1)
	raw, err := json.Marshal(Frame{ID: id, MXID: mxid, Type: FrameRequest, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	ch := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer t.removePending(id)

	if err := conn.enqueue(ctx, raw); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, &RemoteError{Type: req.Type, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	case <-timer.C:
		t.logger.Warn("agent request timed out", "request_id", id, "type", req.Type, "mxid", mxid)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) removePending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// resolve hands a response to its waiter, if one is still waiting.
func (t *Transport) resolve(id int64, resp *Response) {
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Warn("received response for unknown request", "request_id", id, "type", resp.Type)
		return
	}
	ch <- resp
}

// authorized checks the shared secret from the upgrade request.
func (t *Transport) authorized(r *http.Request) bool {
	if t.secret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return false
	}
	given := strings.TrimPrefix(header, "Basic ")
	return subtle.ConstantTimeCompare([]byte(given), []byte(t.secret)) == 1
}

// ServeHTTP authenticates and upgrades an agent connection, then reads from
// it until it closes. The newest connection replaces any previous one.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.authorized(r) {
		t.logger.Warn("rejected agent connection", "addr", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		t.logger.Error("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := newConnection(ws, r.RemoteAddr, t.logger)
	t.attach(conn)
	defer t.detach(conn)

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	go conn.writeLoop(ctx)

	t.readLoop(ctx, conn)
}

func (t *Transport) attach(conn *Connection) {
	t.mu.Lock()
	prev := t.conn
	t.conn = conn
	t.gen++
	t.state.OnConnected()
	t.mu.Unlock()

	if prev != nil {
		t.logger.Info("replacing previous agent connection", "old_conn", prev.ID, "new_conn", conn.ID)
		prev.close(websocket.StatusGoingAway, "replaced by newer connection")
	}
	t.logger.Info("=== AGENT CONNECTED ===", "conn_id", conn.ID, "addr", conn.Addr)
}

func (t *Transport) detach(conn *Connection) {
	conn.close(websocket.StatusNormalClosure, "")

	t.mu.Lock()
	wasCurrent := t.conn == conn
	gen := t.gen
	if wasCurrent {
		t.conn = nil
		if t.ctx.Err() == nil {
			t.state.OnReconnecting()
		} else {
			t.state.OnDisconnected()
		}
	}
	t.mu.Unlock()

	if !wasCurrent {
		return
	}
	t.logger.Info("=== AGENT DISCONNECTED ===", "conn_id", conn.ID, "addr", conn.Addr)
	if t.ctx.Err() == nil {
		go t.awaitReconnect(gen)
	}
}

// stale reports whether an agent attached after generation gen.
func (t *Transport) stale(gen uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gen != gen
}

// awaitReconnect paces the reconnect window after the drop that ended
// generation gen. The link is marked failed when the backoff runs out first.
func (t *Transport) awaitReconnect(gen uint64) {
	for t.state.Wait(t.ctx) {
		if t.stale(gen) {
			return
		}
		t.logger.Debug("still waiting for agent to reconnect", "attempt", t.state.Attempts())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		// The agent came back while the backoff ran out.
		t.state.OnConnected()
		return
	}
	if t.gen == gen && t.ctx.Err() == nil {
		t.logger.Error("agent did not reconnect", "attempts", t.state.Attempts())
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *Connection) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				conn.logger.Warn("agent read failed", "error", err)
			}
			return
		}
		t.handleFrame(data)
	}
}

// handleFrame dispatches one inbound frame by its type tag.
func (t *Transport) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		t.logger.Warn("dropping malformed frame", "size", len(data))
		return
	}

	switch FrameType(gjson.GetBytes(data, "type").String()) {
	case FrameResponse:
		var f Frame
		var resp Response
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("failed to decode response frame", "error", err)
			return
		}
		if err := json.Unmarshal(f.Data, &resp); err != nil {
			t.logger.Warn("failed to decode response payload", "request_id", f.ID, "error", err)
			return
		}
		t.resolve(f.ID, &resp)

	case FrameRequest:
		kind := RequestType(gjson.GetBytes(data, "data.type").String())
		if kind != RequestEvent {
			t.logger.Debug("ignoring inbound request", "type", kind)
			return
		}
		raw := gjson.GetBytes(data, "data.data")
		if !raw.Exists() {
			t.logger.Warn("event frame without payload")
			return
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw.Raw), &ev); err != nil {
			t.logger.Warn("failed to decode event", "error", err)
			return
		}
		t.events.Publish(Push{MXID: gjson.GetBytes(data, "mxid").String(), Event: &ev})

	default:
		t.logger.Warn("dropping frame with unknown type", "type", gjson.GetBytes(data, "type").String())
	}
}

// Close drops the active connection and ends all subscriptions.
func (t *Transport) Close() {
	t.cancel()
	t.state.Stop()
	if conn := t.current(); conn != nil {
		conn.close(websocket.StatusGoingAway, "bridge shutting down")
	}
	t.events.Close()
}
