// Package asynchook moves hook calls off the cache's hot paths.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    FetchStartedEvery: 50, // sample: ~every 50th fetch start
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := synccache.New(synccache.Options{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped, never blocked on, when the queue is full; Dropped
// reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/synccache"
)

type Hooks struct {
	inner   synccache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ synccache.Hooks = (*Hooks)(nil)

func New(inner synccache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue or a closed wrapper.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) FetchStarted(k string, gen uint64, bg bool) {
	h.try(func() { h.inner.FetchStarted(k, gen, bg) })
}
func (h *Hooks) FetchDiscarded(k string, gen, cur uint64) {
	h.try(func() { h.inner.FetchDiscarded(k, gen, cur) })
}
func (h *Hooks) FetchFailed(k string, gen uint64, err error) {
	h.try(func() { h.inner.FetchFailed(k, gen, err) })
}
func (h *Hooks) OptimisticApplied(m uint64, n int) { h.try(func() { h.inner.OptimisticApplied(m, n) }) }
func (h *Hooks) MutationRolledBack(m uint64, n int, err error) {
	h.try(func() { h.inner.MutationRolledBack(m, n, err) })
}
func (h *Hooks) Invalidated(entity, id string, marked, refetched int) {
	h.try(func() { h.inner.Invalidated(entity, id, marked, refetched) })
}
func (h *Hooks) SubscriberPanic(k string, v any) { h.try(func() { h.inner.SubscriberPanic(k, v) }) }
