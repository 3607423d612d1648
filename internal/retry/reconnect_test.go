// ABOUTME: Tests for the reconnection manager
// ABOUTME: Covers state transitions, exhaustion, stop and cancellation

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastReconnect(maxRetries int) Config {
	return Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   maxRetries,
	}
}

func TestManager_StartsDisconnected(t *testing.T) {
	m := NewManager(fastReconnect(3), nil)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Zero(t, m.Attempts())
}

func TestManager_Transitions(t *testing.T) {
	m := NewManager(fastReconnect(3), nil)

	m.OnConnected()
	assert.Equal(t, StateConnected, m.State())
	m.OnConnected() // no-op, same state
	m.OnDisconnected()
	assert.Equal(t, StateDisconnected, m.State())
	m.OnReconnecting()
	m.OnDisconnected() // ignored while reconnecting
	assert.Equal(t, StateReconnecting, m.State())
	m.OnConnected()
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_WaitExhaustsIntoFailed(t *testing.T) {
	m := NewManager(fastReconnect(2), nil)
	ctx := t.Context()

	assert.True(t, m.Wait(ctx))
	assert.True(t, m.Wait(ctx))
	assert.False(t, m.Wait(ctx))
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, 2, m.Attempts())
}

func TestManager_ConnectedResetsBackoff(t *testing.T) {
	m := NewManager(fastReconnect(2), nil)
	ctx := t.Context()

	require.True(t, m.Wait(ctx))
	require.True(t, m.Wait(ctx))
	m.OnConnected()
	assert.Equal(t, 0, m.Attempts())
	assert.True(t, m.Wait(ctx))
}

func TestManager_StopInterruptsWait(t *testing.T) {
	cfg := fastReconnect(5)
	cfg.InitialDelay = time.Hour
	m := NewManager(cfg, nil)

	done := make(chan bool, 1)
	go func() { done <- m.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	m.Stop()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}

	assert.False(t, m.Wait(context.Background()))
	m.Stop() // idempotent
}

func TestManager_ContextCancelInterruptsWait(t *testing.T) {
	cfg := fastReconnect(5)
	cfg.InitialDelay = time.Hour
	m := NewManager(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, m.Wait(ctx))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
