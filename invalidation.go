package synccache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/synccache/push"
)

// HandleEvent marks every key affected by ev stale and refetches, in the
// background, those that currently have subscribers. Unobserved keys stay
// Stale until their next read. A fetch in flight may predate the change: its
// response lands Stale and an observed key is fetched once more. Delivering
// the same event twice marks nothing new and starts no concurrent fetch.
func (e *engine) HandleEvent(ev InvalidationEvent) (marked, refetched int) {
	keys := e.reg.Affected(ev.Namespace, ev.Entity, ev.ID)
	if len(keys) == 0 {
		e.hooks.Invalidated(ev.Entity, ev.Scope(), 0, 0)
		return 0, 0
	}

	e.mu.Lock()
	marked, ds := e.markStaleKeysLocked(keys)
	var active []Key
	for _, k := range keys {
		if ent, ok := e.entries[k]; ok && ent.fetch != nil && e.activeLocked(k) {
			active = append(active, k)
		}
	}
	e.mu.Unlock()

	e.dispatch(ds)
	for _, k := range active {
		if e.Refetch(k, false) {
			refetched++
		}
	}

	e.hooks.Invalidated(ev.Entity, ev.Scope(), marked, refetched)
	e.log.Debug("invalidation applied", Fields{"entity": ev.Entity, "scope": ev.Scope(), "marked": marked, "refetched": refetched})
	return marked, refetched
}

// Listen feeds events of the given topics (entity types) from ch into
// HandleEvent until ctx ends or a subscription closes. When ch reports
// reconnects, Reconnect runs after each one since events may have been missed.
func (e *engine) Listen(ctx context.Context, ch push.Channel, topics ...string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for _, topic := range topics {
		events, err := ch.Subscribe(gctx, topic)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("subscribe %q: %w", topic, err)
		}
		g.Go(func() error {
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						return fmt.Errorf("topic %q: %w", topic, push.ErrClosed)
					}
					if ev.Entity == "" {
						ev.Entity = topic
					}
					e.HandleEvent(ev)
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	if r, ok := ch.(push.Reconnecter); ok {
		reconnected := r.Reconnected()
		g.Go(func() error {
			for {
				select {
				case <-reconnected:
					n := e.Reconnect()
					e.log.Info("push channel reconnected", Fields{"refetched": n})
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	return g.Wait()
}

// Focus refetches subscribed keys whose policy has RefetchOnFocus and whose
// data is stale, failed or past MaxAge. It returns how many fetches started.
func (e *engine) Focus() int {
	return e.revalidate(func(p Policy) bool { return p.RefetchOnFocus })
}

// Reconnect is Focus for RefetchOnReconnect.
func (e *engine) Reconnect() int {
	return e.revalidate(func(p Policy) bool { return p.RefetchOnReconnect })
}

func (e *engine) revalidate(enabled func(Policy) bool) int {
	e.mu.Lock()
	var keys []Key
	for k, ent := range e.entries {
		if ent.fetch == nil || ent.call != nil || !enabled(ent.policy) || !e.activeLocked(k) {
			continue
		}
		if ent.status == Stale || ent.status == Error || !e.freshLocked(ent, ent.policy) {
			keys = append(keys, k)
		}
	}
	e.mu.Unlock()

	sortKeys(keys)
	n := 0
	for _, k := range keys {
		if e.Refetch(k, false) {
			n++
		}
	}
	return n
}
