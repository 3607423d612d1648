// ABOUTME: Keyed serial work queue bounded by a weighted semaphore
// ABOUTME: Jobs for one key run in order; different keys run concurrently

package bridge

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedQueue runs submitted jobs one at a time per key.
type keyedQueue struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	chains map[string]*chain
	wg     sync.WaitGroup
}

type chain struct {
	jobs []func(context.Context)
}

func newKeyedQueue(limit int, logger *slog.Logger) *keyedQueue {
	return &keyedQueue{
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger,
		chains: make(map[string]*chain),
	}
}

// Submit appends job to key's chain, starting a worker if the chain was idle.
func (q *keyedQueue) Submit(ctx context.Context, key string, job func(context.Context)) {
	q.mu.Lock()
	if c, ok := q.chains[key]; ok {
		c.jobs = append(c.jobs, job)
		q.mu.Unlock()
		return
	}
	q.chains[key] = &chain{jobs: []func(context.Context){job}}
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain(ctx, key)
}

func (q *keyedQueue) drain(ctx context.Context, key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		c := q.chains[key]
		if len(c.jobs) == 0 {
			delete(q.chains, key)
			q.mu.Unlock()
			return
		}
		job := c.jobs[0]
		c.jobs = c.jobs[1:]
		q.mu.Unlock()

		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.logger.Debug("dropping queued job", "key", key, "error", err)
			continue
		}
		job(ctx)
		q.sem.Release(1)
	}
}

// Wait blocks until every chain has drained.
func (q *keyedQueue) Wait() {
	q.wg.Wait()
}
