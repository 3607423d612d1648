// ABOUTME: Tests for backoff strategies
// ABOUTME: Covers growth, caps, jitter bounds, exhaustion and reset

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter() Config {
	cfg := DefaultConfig()
	cfg.Jitter = false
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.True(t, cfg.Jitter)
}

func TestExponential_DoublesUntilCap(t *testing.T) {
	cfg := noJitter()
	cfg.MaxDelay = 500 * time.Millisecond
	b := New(Exponential, cfg)

	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		d, ok := b.Next()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, w*time.Millisecond, d, "attempt %d", i)
	}
	assert.Equal(t, 5, b.Attempts())
}

func TestExponential_JitterStaysWithinTenPercent(t *testing.T) {
	cfg := DefaultConfig()
	b := NewExponential(cfg)

	first, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, first, "first delay is never jittered")

	second, ok := b.Next()
	require.True(t, ok)
	assert.GreaterOrEqual(t, second, 180*time.Millisecond)
	assert.LessOrEqual(t, second, 220*time.Millisecond)
}

func TestExponential_ExhaustsAndResets(t *testing.T) {
	cfg := noJitter()
	cfg.MaxRetries = 2
	b := NewExponential(cfg)

	_, ok := b.Next()
	assert.True(t, ok)
	_, ok = b.Next()
	assert.True(t, ok)
	_, ok = b.Next()
	assert.False(t, ok)
	assert.True(t, b.Exhausted())

	b.Reset()
	assert.False(t, b.Exhausted())
	d, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, cfg.InitialDelay, d)
}

func TestFixed(t *testing.T) {
	cfg := noJitter()
	cfg.MaxRetries = 3

	fixed := New(Fixed, cfg)
	for range 3 {
		d, ok := fixed.Next()
		require.True(t, ok)
		assert.Equal(t, cfg.InitialDelay, d)
	}

	_, ok := fixed.Next()
	assert.False(t, ok)
	assert.True(t, fixed.Exhausted())

	fixed.Reset()
	assert.Equal(t, 0, fixed.Attempts())
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "exponential", Exponential.String())
	assert.Equal(t, "fixed", Fixed.String())
	assert.Equal(t, "unknown", Strategy(9).String())
}
