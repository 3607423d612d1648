// ABOUTME: Tests for the push event broadcaster
// ABOUTME: Covers fan-out, no replay for late subscribers, unsubscribe and close

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(id string) Push {
	return Push{MXID: "@a:example.org", Event: &Event{ID: id, Type: EventText}}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())
	b.Publish(push("e1"))

	for i, ch := range []<-chan Push{ch1, ch2} {
		select {
		case p := <-ch:
			assert.Equal(t, "e1", p.Event.ID, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_LateSubscriberGetsNoHistory(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Publish(push("before"))
	ch, _ := b.Subscribe(t.Context())
	b.Publish(push("after"))

	select {
	case p := <-ch:
		assert.Equal(t, "after", p.Event.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	require.Equal(t, 1, b.Len())

	cancel()
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())
	for range subscriberBufferSize + 10 {
		b.Publish(push("x"))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, id := b.Subscribe(t.Context())
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(id) // no panic on double close

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok)
}
