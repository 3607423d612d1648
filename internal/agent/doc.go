// Package agent implements the link between the bridge and the WeChat agent.
//
// # Overview
//
// The agent is an external process that speaks WeChat's native protocol. It
// dials the bridge over WebSocket and exchanges JSON frames:
//
//	{"id": 7, "mxid": "@alice:example.org", "type": "request", "data": {"type": "send_text", "data": {...}}}
//	{"id": 7, "mxid": "@alice:example.org", "type": "response", "data": {"type": "send_text", "data": {"msg_id": "123"}}}
//
// Frames flowing from the agent with type "request" and payload type "event"
// are push events (new messages, revokes, ...). All other inbound requests are
// ignored.
//
// # Transport
//
// Transport is an http.Handler that accepts the agent connection:
//
//	tr := agent.NewTransport(agent.Options{Secret: cfg.Bridge.ListenSecret})
//	mux.Handle("/", tr)
//
// The shared secret is checked once on upgrade ("Authorization: Basic <secret>").
// Only one agent connection is live at a time; a newer one replaces the older.
//
// Key operations:
//
//   - Request(ctx, mxid, req): send a request and wait for its response
//   - Subscribe(ctx): receive push events published after the call
//   - State(): the link state (connected, reconnecting, failed, disconnected)
//
// # Request/Response Correlation
//
// Each request gets the next id from a monotonically increasing counter. A
// one-shot waiter is registered under that id before the frame is queued.
// Responses are routed to their waiter; responses for unknown ids are logged
// and dropped. Requests never retry on their own:
//
//   - no connection: ErrNoConnection, returned immediately
//   - no response within 30s: ErrTimeout
//   - response with an error payload: *RemoteError
//
// A dropped connection does not fail pending waiters; they run into their
// timeout while new requests fail fast until the agent reconnects.
//
// # Client
//
// Client wraps Transport for one Matrix account and exposes one method per
// request type (SendText, DownloadImage, GetFriendList, ...).
package agent
