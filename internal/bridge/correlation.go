// ABOUTME: Message correlation between WeChat message ids and Matrix event ids
// ABOUTME: Resolves reply and redaction targets in both directions

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/store"
)

// Message kinds recorded with each correlation.
const (
	KindInbound  = "wechat"
	KindOutbound = "matrix"
)

// Target is a correlated message.
type Target struct {
	Key     store.PortalKey
	MsgID   string
	EventID id.EventID
	Sender  string
}

// Correlator records which Matrix event carries which WeChat message.
type Correlator struct {
	store  store.Store
	logger *slog.Logger
}

// NewCorrelator creates a correlator over s.
func NewCorrelator(s store.Store, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{store: s, logger: logger.With("component", "correlation")}
}

// RecordSent stores the correlation. A second record for the same
// (key, msgID) replaces the first.
func (c *Correlator) RecordSent(ctx context.Context, key store.PortalKey, msgID string, eventID id.EventID, sender string, ts time.Time, kind string) error {
	return c.store.PutMessage(ctx, &store.Message{
		Key:       key,
		MsgID:     msgID,
		MXID:      eventID.String(),
		Sender:    sender,
		Timestamp: ts,
		Sent:      true,
		Type:      kind,
	})
}

// ResolveReplyTarget returns the WeChat message id carried by eventID.
func (c *Correlator) ResolveReplyTarget(ctx context.Context, eventID id.EventID) (string, bool) {
	t, ok := c.ResolveByEvent(ctx, eventID)
	if !ok {
		return "", false
	}
	return t.MsgID, true
}

// ResolveRedactionTarget returns the Matrix event carrying msgID.
func (c *Correlator) ResolveRedactionTarget(ctx context.Context, msgID string) (Target, bool) {
	if msgID == "" {
		return Target{}, false
	}
	m, err := c.store.GetMessageByID(ctx, msgID)
	return c.target(m, err, "msg_id", msgID)
}

// ResolveReplyEvent returns the Matrix event carrying msgID within one chat,
// falling back to any chat.
func (c *Correlator) ResolveReplyEvent(ctx context.Context, key store.PortalKey, msgID string) (id.EventID, bool) {
	if msgID == "" {
		return "", false
	}
	m, err := c.store.GetMessage(ctx, key, msgID)
	if errors.Is(err, store.ErrNotFound) {
		t, ok := c.ResolveRedactionTarget(ctx, msgID)
		return t.EventID, ok
	}
	t, ok := c.target(m, err, "msg_id", msgID)
	return t.EventID, ok
}

// ResolveByEvent returns the record for a Matrix event.
func (c *Correlator) ResolveByEvent(ctx context.Context, eventID id.EventID) (Target, bool) {
	if eventID == "" {
		return Target{}, false
	}
	m, err := c.store.GetMessageByMXID(ctx, eventID.String())
	return c.target(m, err, "event_id", eventID.String())
}

func (c *Correlator) target(m *store.Message, err error, field, value string) (Target, bool) {
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("correlation lookup failed", field, value, "error", err)
		}
		return Target{}, false
	}
	if m.MXID == "" {
		return Target{}, false
	}
	return Target{Key: m.Key, MsgID: m.MsgID, EventID: id.EventID(m.MXID), Sender: m.Sender}, true
}
