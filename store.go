package synccache

import (
	"context"
	"errors"
	"sync"
	"time"

	gen "github.com/unkn0wn-root/synccache/genstore"
)

const (
	defaultInactiveRetention = 5 * time.Minute
	defaultSweep             = time.Minute
	defaultGenRetention      = 24 * time.Hour
)

// entry is the mutable, lock-guarded state behind an Entry.
type entry struct {
	data      []byte
	status    Status
	gen       uint64
	fetchedAt time.Time
	err       error

	rev       uint64    // bumped on every visible change
	touched   time.Time // last access, for inactive GC
	staleMark bool      // invalidated while a fetch was in flight

	call   *call   // latest fetch in flight, nil when none
	fetch  Fetcher // last fetcher used; refetches reuse it
	policy Policy
	layers []*layer // pending optimistic writes, oldest first
}

type engine struct {
	mu      sync.Mutex
	entries map[Key]*entry
	subs    map[uint64]*subscription
	nextSub uint64
	nextMut uint64
	rev     uint64
	closed  bool

	reg      *Registry
	gens     gen.GenStore
	clock    func() time.Time
	log      Logger
	hooks    Hooks
	defaults Policy
	policies PolicySet
	extra    []Matcher
	onAuth   func(error)

	inactiveRetention time.Duration
	sweepInterval     time.Duration
	genRetention      time.Duration

	// background work
	bg        sync.WaitGroup
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func newEngine(opts Options) *engine {
	e := &engine{
		entries:  make(map[Key]*entry),
		subs:     make(map[uint64]*subscription),
		reg:      newRegistry(),
		policies: opts.Policies,
		extra:    opts.Invalidates,
		onAuth:   opts.OnAuthError,
		stopCh:   make(chan struct{}),
	}

	// defaults
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	e.defaults = coalesce(opts.DefaultPolicy, DefaultPolicy())
	e.inactiveRetention = coalesce(opts.InactiveRetention, defaultInactiveRetention)
	e.sweepInterval = coalesce(opts.CleanupInterval, defaultSweep)
	e.genRetention = coalesce(opts.GenRetention, defaultGenRetention)
	e.clock = opts.Clock
	if e.clock == nil {
		e.clock = time.Now
	}
	if opts.GenStore != nil {
		e.gens = opts.GenStore
	} else {
		e.gens = gen.NewLocalGenStore()
	}

	if e.sweepInterval > 0 {
		e.closeWg.Add(1)
		go e.cleanupLoop()
	}
	return e
}

func (e *engine) Registry() *Registry { return e.reg }

func (e *engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		close(e.stopCh)
		e.closeWg.Wait()

		// let background fetches settle, bounded by ctx
		done := make(chan struct{})
		go func() {
			e.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := e.gens.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// ==============================
// Store API
// ==============================

func (e *engine) Get(key Key) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key]
	if !ok {
		return Entry{Key: key, Status: Idle}
	}
	ent.touched = e.clock()
	v := ent.view(key)
	v.Data = cloneBytes(v.Data)
	return v
}

// Set overwrites data and status. A fetch in flight for key is superseded (its
// result will be discarded) and pending optimistic layers are rebased on top.
func (e *engine) Set(key Key, data []byte, status Status) {
	e.mu.Lock()
	ent := e.entryLocked(key)
	if ent.call != nil {
		ent.call.superseded = true
		ent.call = nil
	}
	if status.InFlight() {
		// nothing is running for this entry any more
		status = Stale
	}
	ent.staleMark = false
	base := Entry{Key: key, Data: cloneBytes(data), Status: status, Generation: ent.gen, FetchedAt: e.clock()}
	e.rebaseLocked(key, ent, base)
	ds := e.changedLocked(key, ent)
	e.mu.Unlock()
	e.dispatch(ds)
}

// MarkStale flips matching Fresh entries to Stale without touching their data
// and returns how many changed. Repeated calls are no-ops. A fetch already in
// flight may have read the data before the change, so its response lands
// Stale and an observed key is fetched again.
func (e *engine) MarkStale(m Matcher) int {
	e.mu.Lock()
	var ds []delivery
	n := 0
	for k, ent := range e.entries {
		if !m.Match(k) {
			continue
		}
		if e.markStaleLocked(ent) {
			n++
			ds = append(ds, e.changedLocked(k, ent)...)
		}
	}
	e.mu.Unlock()
	e.dispatch(ds)
	return n
}

// markStaleKeysLocked is MarkStale over a key list.
func (e *engine) markStaleKeysLocked(keys []Key) (int, []delivery) {
	var ds []delivery
	n := 0
	for _, k := range keys {
		ent, ok := e.entries[k]
		if !ok {
			continue
		}
		if e.markStaleLocked(ent) {
			n++
			ds = append(ds, e.changedLocked(k, ent)...)
		}
	}
	return n, ds
}

func (e *engine) markStaleLocked(ent *entry) bool {
	for _, l := range ent.layers {
		if l.before.Status == Fresh {
			l.before.Status = Stale
		}
	}
	if ent.call != nil {
		ent.staleMark = true
	}
	if ent.status != Fresh {
		return false
	}
	ent.status = Stale
	return true
}

// ==============================
// Internals (callers hold e.mu)
// ==============================

func (e *engine) entryLocked(key Key) *entry {
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{status: Idle}
		e.entries[key] = ent
		e.reg.Track(key, nil)
	}
	ent.touched = e.clock()
	return ent
}

func (ent *entry) view(key Key) Entry {
	return Entry{
		Key:        key,
		Data:       ent.data,
		Status:     ent.status,
		Generation: ent.gen,
		FetchedAt:  ent.fetchedAt,
		Err:        ent.err,
		Pending:    len(ent.layers) > 0,
		rev:        ent.rev,
	}
}

func (ent *entry) load(v Entry) {
	ent.data = v.Data
	ent.status = v.Status
	ent.gen = v.Generation
	ent.fetchedAt = v.FetchedAt
	ent.err = v.Err
}

func (e *engine) freshLocked(ent *entry, p Policy) bool {
	return ent.status == Fresh && !p.expired(ent.fetchedAt, e.clock())
}

func (e *engine) activeLocked(key Key) bool {
	for _, s := range e.subs {
		if s.match.Match(key) {
			return true
		}
	}
	return false
}

// rebaseLocked installs base as the authoritative value and replays pending
// optimistic layers on top of it. Confirmed layers are dropped: the server
// owns their writes now, and the key is already marked for reconciliation.
func (e *engine) rebaseLocked(key Key, ent *entry, base Entry) {
	cur := base
	pending := ent.layers[:0]
	for _, l := range ent.layers {
		if l.confirmed {
			continue
		}
		pending = append(pending, l)
		l.before = cur
		nd, err := l.apply(key, cloneBytes(cur.Data))
		switch {
		case errors.Is(err, ErrSkip):
			continue
		case err != nil:
			e.log.Warn("optimistic replay failed; layer left out", Fields{"key": key.String(), "mutation": l.mutation, "err": err})
			continue
		}
		cur.Data = nd
	}
	clear(ent.layers[len(pending):])
	ent.layers = pending
	if len(ent.layers) == 0 {
		ent.layers = nil
	}
	ent.load(cur)
}

// ==============================
// Inactive entry GC
// ==============================

func (e *engine) cleanupLoop() {
	defer e.closeWg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stopCh:
			return
		}
	}
}

// sweep drops entries nobody observes, with no pending layer and no fetch in
// flight, untouched for inactiveRetention.
func (e *engine) sweep() int {
	cutoff := e.clock().Add(-e.inactiveRetention)
	removed := 0

	e.mu.Lock()
	for k, ent := range e.entries {
		if ent.call != nil || len(ent.layers) > 0 || !ent.touched.Before(cutoff) || e.activeLocked(k) {
			continue
		}
		delete(e.entries, k)
		e.reg.Forget(k)
		removed++
	}
	e.mu.Unlock()

	e.gens.Cleanup(e.genRetention)
	if removed > 0 {
		e.log.Debug("inactive entries removed", Fields{"removed": removed})
	}
	return removed
}
