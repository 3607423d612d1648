// ABOUTME: Tests for the keyed serial queue
// ABOUTME: Per-key ordering, the concurrency bound and cancellation

package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyedQueuePreservesOrderPerKey(t *testing.T) {
	q := newKeyedQueue(4, discardLogger())
	var mu sync.Mutex
	got := map[string][]int{}
	for i := range 50 {
		for _, key := range []string{"a", "b", "c"} {
			q.Submit(t.Context(), key, func(context.Context) {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	q.Wait()
	for _, key := range []string{"a", "b", "c"} {
		assert.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s", key)
		}
	}
}

func TestKeyedQueueBoundsConcurrency(t *testing.T) {
	q := newKeyedQueue(2, discardLogger())
	var running, peak atomic.Int32
	for i := range 8 {
		q.Submit(t.Context(), string(rune('a'+i)), func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	q.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestKeyedQueueDropsAfterCancel(t *testing.T) {
	q := newKeyedQueue(1, discardLogger())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	var ran atomic.Bool
	q.Submit(ctx, "k", func(context.Context) { ran.Store(true) })
	q.Wait()
	assert.False(t, ran.Load())
}
