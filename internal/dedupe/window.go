// ABOUTME: Sliding replay window for external event ids and appservice transactions
// ABOUTME: Insertion-ordered, TTL-bounded and size-bounded; pruned lazily on access

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl, holding at most max keys.
type Window struct {
	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List // oldest at front
	ttl   time.Duration
	max   int
	now   func() time.Time
}

// New creates a Window. A non-positive max means 1024.
func New(ttl time.Duration, max int) *Window {
	if max <= 0 {
		max = 1024
	}
	return &Window{
		index: make(map[string]*list.Element),
		order: list.New(),
		ttl:   ttl,
		max:   max,
		now:   time.Now,
	}
}

// Seen reports whether key is already inside the window. A new key is
// recorded before returning false, so exactly one of several concurrent
// callers with the same key gets false.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if _, ok := w.index[key]; ok {
		return true
	}

	for w.order.Len() >= w.max {
		w.removeLocked(w.order.Front())
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Contains reports whether key is inside the window without recording it.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	_, ok := w.index[key]
	return ok
}

// Forget removes key so the next Seen call records it again. Used when
// handling of a recorded key failed and a redelivery should be processed.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.index[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of live keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return w.order.Len()
}

// pruneLocked drops expired keys from the front. Keys are appended in time
// order so the scan stops at the first live one.
func (w *Window) pruneLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	delete(w.index, el.Value.(*entry).key)
	w.order.Remove(el)
}
