package synccache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// call is one fetch in flight. Waiters attach to done; err is set before done
// is closed. superseded is guarded by engine.mu.
type call struct {
	gen        uint64
	done       chan struct{}
	err        error
	background bool
	superseded bool
}

// PolicyFor returns the policy configured for the entity type of key.
func (e *engine) PolicyFor(key Key) Policy {
	return e.policies.For(key.Entity, e.defaults)
}

// EnsureFresh returns the entry of key, fetching it first unless it is Fresh
// and younger than p.MaxAge. Concurrent callers share one fetch. ctx only
// bounds the wait of this caller: the fetch itself keeps running for others.
//
// A failed fetch leaves previous data in place; the error is recorded on the
// entry and returned.
func (e *engine) EnsureFresh(ctx context.Context, key Key, fetch Fetcher, p Policy) (Entry, error) {
	if fetch == nil {
		return Entry{}, errors.New("synccache: nil fetcher")
	}
	c, _, err := e.acquire(ctx, key, fetch, p, false)
	if err != nil {
		return e.Get(key), err
	}
	for c != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return e.Get(key), ctx.Err()
		}
		if c.err != nil {
			return e.Get(key), c.err
		}
		c = e.successor(key, c)
	}
	return e.Get(key), nil
}

// Prefetch is EnsureFresh without the wait. It reports whether a request was issued.
func (e *engine) Prefetch(ctx context.Context, key Key, fetch Fetcher, p Policy) bool {
	if fetch == nil {
		return false
	}
	_, started, err := e.acquire(ctx, key, fetch, p, false)
	return err == nil && started
}

// Refetch starts a background fetch of key using the fetcher it was last read
// with. force bypasses MaxAge and supersedes a fetch already in flight.
// It reports whether a new request was issued.
func (e *engine) Refetch(key Key, force bool) bool {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok || ent.fetch == nil || e.closed {
		e.mu.Unlock()
		return false
	}
	fetch, p := ent.fetch, ent.policy
	e.mu.Unlock()

	_, started, err := e.acquire(context.Background(), key, fetch, p, force)
	return err == nil && started
}

// successor returns the call that replaced a superseded one, if any.
func (e *engine) successor(key Key, c *call) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.superseded {
		return nil
	}
	if ent, ok := e.entries[key]; ok && ent.call != nil && ent.call != c {
		return ent.call
	}
	return nil
}

// acquire returns the call the caller should wait for: nil when the entry is
// fresh, the call in flight when there is one (unless force), or a new call.
func (e *engine) acquire(ctx context.Context, key Key, fetch Fetcher, p Policy, force bool) (*call, bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false, ErrClosed
	}
	ent := e.entryLocked(key)
	ent.fetch, ent.policy = fetch, p
	if c := ent.call; c != nil && !force {
		e.mu.Unlock()
		return c, false, nil
	}
	if !force && e.freshLocked(ent, p) {
		e.mu.Unlock()
		return nil, false, nil
	}
	e.mu.Unlock()

	// the counter may be remote; never hold the lock across it
	g, gerr := e.gens.Bump(ctx, key.String())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false, ErrClosed
	}
	ent = e.entryLocked(key)
	ent.fetch, ent.policy = fetch, p
	if c := ent.call; c != nil && !force {
		e.mu.Unlock()
		return c, false, nil
	}
	if !force && e.freshLocked(ent, p) {
		e.mu.Unlock()
		return nil, false, nil
	}
	if gerr != nil {
		e.log.Warn("generation store failed; using local counter", Fields{"key": key.String(), "err": gerr})
		g = 0
	}
	if g <= ent.gen {
		g = ent.gen + 1
	}
	if old := ent.call; old != nil {
		old.superseded = true
	}

	c := &call{gen: g, done: make(chan struct{}), background: ent.data != nil}
	ent.call = c
	ent.gen = g
	ent.staleMark = false
	if c.background {
		ent.status = RefetchingInBackground
	} else {
		ent.status = Fetching
	}
	ds := e.changedLocked(key, ent)
	e.bg.Add(1)
	e.mu.Unlock()

	e.dispatch(ds)
	e.hooks.FetchStarted(key.String(), g, c.background)
	go e.run(context.WithoutCancel(ctx), key, c, fetch, p)
	return c, true, nil
}

func (e *engine) run(ctx context.Context, key Key, c *call, fetch Fetcher, p Policy) {
	defer e.bg.Done()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	data, err := e.fetchWithRetry(ctx, key, fetch, p)
	if err != nil {
		e.fail(key, c, err)
		return
	}
	if e.commit(key, c, data) {
		e.Refetch(key, false)
	}
}

// fetchWithRetry retries network errors with exponential backoff. Any other
// error ends the attempt at once.
func (e *engine) fetchWithRetry(ctx context.Context, key Key, fetch Fetcher, p Policy) ([]byte, error) {
	if p.Retries <= 0 {
		return fetch(ctx)
	}

	op := func() ([]byte, error) {
		data, err := fetch(ctx)
		if err == nil {
			return data, nil
		}
		if KindOf(err) != KindNetwork || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = coalesce(p.RetryBackoff, 200*time.Millisecond)

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.Retries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Debug("fetch retry", Fields{"key": key.String(), "err": err, "next": next})
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return data, err
}

// commit applies a response iff it still belongs to the entry's latest
// generation. It reports whether the entry was invalidated while the request
// was in flight and should be fetched again.
func (e *engine) commit(key Key, c *call, data []byte) bool {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok || ent.call != c || ent.gen != c.gen {
		var cur uint64
		if ok {
			cur = ent.gen
		}
		c.superseded = true
		e.mu.Unlock()

		e.hooks.FetchDiscarded(key.String(), c.gen, cur)
		e.log.Debug("superseded response discarded", Fields{"key": key.String(), "gen": c.gen, "current": cur})
		close(c.done)
		return false
	}

	ent.call = nil
	status := Fresh
	again := ent.staleMark
	if again {
		status = Stale
		ent.staleMark = false
	}
	base := Entry{Key: key, Data: data, Status: status, Generation: c.gen, FetchedAt: e.clock()}
	e.rebaseLocked(key, ent, base)
	ds := e.changedLocked(key, ent)
	again = again && e.activeLocked(key)
	e.mu.Unlock()

	e.dispatch(ds)
	close(c.done)
	return again
}

func (e *engine) fail(key Key, c *call, err error) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok || ent.call != c || ent.gen != c.gen {
		c.superseded = true
		e.mu.Unlock()
		close(c.done)
		e.log.Debug("superseded fetch failed", Fields{"key": key.String(), "gen": c.gen, "err": err})
		return
	}

	ent.call = nil
	ent.staleMark = false
	ent.status = Error
	ent.err = err
	for _, l := range ent.layers {
		l.before.Status = Error
		l.before.Err = err
	}
	ds := e.changedLocked(key, ent)
	c.err = err
	e.mu.Unlock()

	e.dispatch(ds)
	e.hooks.FetchFailed(key.String(), c.gen, err)
	e.log.Warn("fetch failed; cached data kept", Fields{"key": key.String(), "gen": c.gen, "kind": KindOf(err).String(), "err": err})
	if KindOf(err) == KindAuth && e.onAuth != nil {
		e.onAuth(err)
	}
	close(c.done)
}
