package synccache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unkn0wn-root/synccache/codec"
)

// FetchFunc loads the authoritative value of a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Result is the typed view of an entry.
type Result[V any] struct {
	Data       V
	HasData    bool
	Status     Status
	Err        error // last fetch error, or a decode error
	FetchedAt  time.Time
	Pending    bool // optimistic data awaiting confirmation
	Generation uint64
}

type QueryOptions[V any] struct {
	Codec  codec.Codec[V] // nil => codec.JSON
	Policy *Policy        // nil => Cache.PolicyFor(key)
	// Filter is recorded for list keys so the registry can resolve it later.
	Filter Filter
	// OnChange runs after every change of the entry's data or status.
	OnChange func(Result[V])
}

// Query is an active, typed subscription to one key. While it is open the key
// counts as observed: invalidations refetch it in the background.
type Query[V any] struct {
	c      Cache
	key    Key
	fetch  Fetcher
	policy Policy
	codec  codec.Codec[V]
	unsub  func()

	closeOnce sync.Once
}

// UseQuery subscribes to key and starts loading it if it is not fresh. It
// never blocks: Result reflects whatever the cache holds right now.
func UseQuery[V any](c Cache, key Key, fetch FetchFunc[V], opts QueryOptions[V]) *Query[V] {
	q := &Query[V]{
		c:      c,
		key:    key,
		codec:  opts.Codec,
		policy: c.PolicyFor(key),
	}
	if q.codec == nil {
		q.codec = codec.JSON[V]{}
	}
	if opts.Policy != nil {
		q.policy = *opts.Policy
	}
	if key.Kind == KindList && opts.Filter != nil {
		c.Registry().Track(key, opts.Filter)
	}
	q.fetch = func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return q.codec.Encode(v)
	}

	onChange := opts.OnChange
	q.unsub = c.Subscribe(key, func(ent Entry) {
		if onChange != nil {
			onChange(q.decode(ent))
		}
	})
	c.Prefetch(context.Background(), key, q.fetch, q.policy)
	return q
}

func (q *Query[V]) Key() Key { return q.key }

// Result returns the current state of the key.
func (q *Query[V]) Result() Result[V] { return q.decode(q.c.Get(q.key)) }

// Fetch waits until the key is fresh (or its fetch failed).
func (q *Query[V]) Fetch(ctx context.Context) (Result[V], error) {
	ent, err := q.c.EnsureFresh(ctx, q.key, q.fetch, q.policy)
	return q.decode(ent), err
}

// Refetch reloads the key regardless of its age.
func (q *Query[V]) Refetch() bool { return q.c.Refetch(q.key, true) }

// Close detaches the query. No OnChange call starts after Close returns.
func (q *Query[V]) Close() {
	q.closeOnce.Do(q.unsub)
}

func (q *Query[V]) decode(ent Entry) Result[V] {
	r := Result[V]{
		Status:     ent.Status,
		Err:        ent.Err,
		FetchedAt:  ent.FetchedAt,
		Pending:    ent.Pending,
		Generation: ent.Generation,
	}
	if !ent.HasData() {
		return r
	}
	v, err := q.codec.Decode(ent.Data)
	if err != nil {
		r.Err = errors.Join(r.Err, err)
		return r
	}
	r.Data, r.HasData = v, true
	return r
}

// Apply computes the optimistic value of one key. old is the decoded current
// value (found is false when the key holds none). Return ErrSkip to leave the
// key alone or ErrRemove to clear it.
type Apply[V any] func(key Key, old V, found bool) (V, error)

type MutationOptions[V any] struct {
	Codec codec.Codec[V] // nil => codec.JSON
}

// UseMutation binds keys, apply and remote into a mutate function. Each call
// runs one Mutate: optimistic write, remote call, then reconciliation or
// rollback.
func UseMutation[V any](c Cache, keys []Key, apply Apply[V], remote RemoteCall, opts MutationOptions[V]) func(context.Context) error {
	cd := opts.Codec
	if cd == nil {
		cd = codec.JSON[V]{}
	}
	update := typedUpdater(cd, apply)
	return func(ctx context.Context) error {
		return c.Mutate(ctx, keys, update, remote)
	}
}

func typedUpdater[V any](cd codec.Codec[V], apply Apply[V]) Updater {
	return func(key Key, data []byte) ([]byte, error) {
		var old V
		found := data != nil
		if found {
			v, err := cd.Decode(data)
			if err != nil {
				return nil, err
			}
			old = v
		}
		nv, err := apply(key, old, found)
		switch {
		case errors.Is(err, ErrRemove):
			return nil, nil
		case err != nil:
			return nil, err
		}
		return cd.Encode(nv)
	}
}
