// ABOUTME: Tests for message correlation lookups
// ABOUTME: Hits, misses and replacement of earlier records

package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/store"
)

func TestCorrelatorLookups(t *testing.T) {
	ctx := t.Context()
	c := NewCorrelator(store.NewMockStore(), discardLogger())
	chatA := store.PortalKey{UID: "wxid_a", Receiver: "wxid_a"}
	chatB := store.PortalKey{UID: "g@chatroom", Receiver: "wxid_me"}

	require.NoError(t, c.RecordSent(ctx, chatA, "m1", "$e1", "wxid_a", time.Now(), KindInbound))
	require.NoError(t, c.RecordSent(ctx, chatB, "m2", "$e2", "@alice:example.org", time.Now(), KindOutbound))

	msgID, ok := c.ResolveReplyTarget(ctx, "$e1")
	require.True(t, ok)
	assert.Equal(t, "m1", msgID)

	target, ok := c.ResolveRedactionTarget(ctx, "m2")
	require.True(t, ok)
	assert.Equal(t, Target{Key: chatB, MsgID: "m2", EventID: "$e2", Sender: "@alice:example.org"}, target)

	evt, ok := c.ResolveReplyEvent(ctx, chatA, "m1")
	require.True(t, ok)
	assert.Equal(t, id.EventID("$e1"), evt)

	// Falls back to any chat when the quoted message lives elsewhere.
	evt, ok = c.ResolveReplyEvent(ctx, chatA, "m2")
	require.True(t, ok)
	assert.Equal(t, id.EventID("$e2"), evt)
}

func TestCorrelatorMisses(t *testing.T) {
	ctx := t.Context()
	c := NewCorrelator(store.NewMockStore(), discardLogger())

	_, ok := c.ResolveReplyTarget(ctx, "$unknown")
	assert.False(t, ok)
	_, ok = c.ResolveReplyTarget(ctx, "")
	assert.False(t, ok)
	_, ok = c.ResolveRedactionTarget(ctx, "nope")
	assert.False(t, ok)
	_, ok = c.ResolveReplyEvent(ctx, store.PortalKey{UID: "x", Receiver: "x"}, "")
	assert.False(t, ok)
}

func TestCorrelatorLaterRecordReplaces(t *testing.T) {
	ctx := t.Context()
	c := NewCorrelator(store.NewMockStore(), discardLogger())
	key := store.PortalKey{UID: "wxid_a", Receiver: "wxid_a"}

	require.NoError(t, c.RecordSent(ctx, key, "m1", "$old", "s", time.Now(), KindInbound))
	require.NoError(t, c.RecordSent(ctx, key, "m1", "$new", "s", time.Now(), KindInbound))

	evt, ok := c.ResolveReplyEvent(ctx, key, "m1")
	require.True(t, ok)
	assert.Equal(t, id.EventID("$new"), evt)
}
