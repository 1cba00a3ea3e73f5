package synccache

import (
	"context"
	"fmt"
	"time"

	gen "github.com/unkn0wn-root/synccache/genstore"
	"github.com/unkn0wn-root/synccache/push"
)

// InvalidationEvent says "something of this entity type changed upstream".
type InvalidationEvent = push.Event

// Fetcher reads the authoritative, codec-encoded value of a key.
type Fetcher func(ctx context.Context) ([]byte, error)

// Updater computes optimistic data for one affected key from its current data
// (nil when the key holds none). Return ErrSkip to leave the key untouched,
// nil to clear it. Updaters may be replayed and must be pure.
type Updater func(key Key, data []byte) ([]byte, error)

// RemoteCall performs the authoritative write of a mutation.
type RemoteCall func(ctx context.Context) error

// Cache is the synchronization engine: cache store, request executor,
// mutation engine and invalidation controller behind one object.
// All methods are safe for concurrent use.
type Cache interface {
	// Store
	Get(key Key) Entry
	Set(key Key, data []byte, status Status)
	MarkStale(m Matcher) int
	Subscribe(m Matcher, fn func(Entry)) (unsubscribe func())
	Registry() *Registry

	// Reads
	EnsureFresh(ctx context.Context, key Key, fetch Fetcher, p Policy) (Entry, error)
	Prefetch(ctx context.Context, key Key, fetch Fetcher, p Policy) bool
	Refetch(key Key, force bool) bool
	PolicyFor(key Key) Policy

	// Writes
	Mutate(ctx context.Context, keys []Key, update Updater, remote RemoteCall) error

	// Reconciliation
	HandleEvent(ev InvalidationEvent) (marked, refetched int)
	Listen(ctx context.Context, ch push.Channel, topics ...string) error
	Focus() int
	Reconnect() int

	Close(context.Context) error
}

// Options tune the engine. The zero value is usable.
type Options struct {
	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	// DefaultPolicy applies to entity types missing from Policies; zero => DefaultPolicy().
	DefaultPolicy Policy
	Policies      PolicySet

	// Invalidates adds keys to mark stale after every successful mutation,
	// on top of the affected keys and every list of their entity types.
	Invalidates []Matcher

	// OnAuthError receives auth failures from reads and writes (session handling lives outside).
	OnAuthError func(error)

	Clock    func() time.Time // nil => time.Now
	GenStore gen.GenStore     // nil => LocalGenStore (in-process)

	InactiveRetention time.Duration // unobserved entries are dropped after this; 0 => 5m
	CleanupInterval   time.Duration // 0 => 1m; negative disables the sweep
	GenRetention      time.Duration // idle generation counters; 0 => 24h
}

// New builds a Cache. Call Close to stop its background sweep.
func New(opts Options) (Cache, error) {
	if opts.InactiveRetention < 0 {
		return nil, fmt.Errorf("synccache: negative InactiveRetention %s", opts.InactiveRetention)
	}
	if opts.GenRetention < 0 {
		return nil, fmt.Errorf("synccache: negative GenRetention %s", opts.GenRetention)
	}
	return newEngine(opts), nil
}
