package synccache

import (
	"context"
	"errors"
)

// layer is one optimistic write on a key. before is the state the write was
// applied to; layers of a key form a stack, oldest first. A confirmed layer
// belongs to a mutation that succeeded while an older one was still pending:
// it stays in the stack so that rolling back the older one replays it.
type layer struct {
	mutation  uint64
	before    Entry
	apply     Updater
	confirmed bool
}

type staged struct {
	key  Key
	data []byte
}

// Mutate applies update to every key optimistically, then awaits remote.
//
// The optimistic data is visible (status Fresh, Pending set) before remote is
// called. On success the keys, every list key of their entity types and
// Options.Invalidates are marked stale and subscribed ones refetched. On
// failure each key gets back exactly the state it had before, and the error
// is returned as *MutationError. An updater error aborts before anything is
// applied and remote is never called.
func (e *engine) Mutate(ctx context.Context, keys []Key, update Updater, remote RemoteCall) error {
	if update == nil || remote == nil {
		return errors.New("synccache: nil updater or remote call")
	}
	keys = dedupeKeys(keys)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.nextMut++
	id := e.nextMut

	// compute everything first: a failing updater must leave no trace
	var plan []staged
	for _, k := range keys {
		var cur []byte
		if ent, ok := e.entries[k]; ok {
			cur = ent.data
		}
		nd, err := update(k, cloneBytes(cur))
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			e.mu.Unlock()
			if KindOf(err) != KindValidation {
				err = ValidationError("optimistic apply", err)
			}
			return &MutationError{Keys: keys, ApplyErr: err}
		}
		plan = append(plan, staged{key: k, data: nd})
	}

	now := e.clock()
	applied := make([]Key, 0, len(plan))
	var ds []delivery
	for _, s := range plan {
		ent := e.entryLocked(s.key)
		ent.layers = append(ent.layers, &layer{mutation: id, before: ent.view(s.key), apply: update})
		ent.data = s.data
		ent.status = Fresh
		ent.fetchedAt = now
		ent.err = nil
		ds = append(ds, e.changedLocked(s.key, ent)...)
		applied = append(applied, s.key)
	}
	e.mu.Unlock()

	e.dispatch(ds)
	e.hooks.OptimisticApplied(id, len(applied))

	if err := remote(ctx); err != nil {
		e.rollback(id, applied, err)
		return &MutationError{Keys: keys, RemoteErr: err}
	}
	e.settle(id, applied, keys)
	return nil
}

// rollback removes the layers of mutation id. A top layer restores its before
// state exactly; a buried one restores its before state and replays the
// layers above it.
func (e *engine) rollback(id uint64, keys []Key, cause error) {
	e.mu.Lock()
	var ds []delivery
	for _, k := range keys {
		ent, ok := e.entries[k]
		if !ok {
			continue
		}
		i := layerIndex(ent.layers, id)
		if i < 0 {
			continue
		}
		l := ent.layers[i]
		above := append([]*layer(nil), ent.layers[i+1:]...)
		ent.layers = append(ent.layers[:i:i], above...)

		if len(above) == 0 {
			e.restoreLocked(ent, l.before)
		} else {
			ent.data = e.replayLocked(k, l.before, above)
		}
		ent.layers = trimConfirmed(ent.layers)
		ds = append(ds, e.changedLocked(k, ent)...)
	}
	e.mu.Unlock()

	e.dispatch(ds)
	e.hooks.MutationRolledBack(id, len(keys), cause)
	e.log.Warn("mutation rolled back", Fields{"mutation": id, "keys": len(keys), "kind": KindOf(cause).String(), "err": cause})

	switch KindOf(cause) {
	case KindConflict:
		for _, k := range keys {
			if !e.Refetch(k, true) {
				e.MarkStale(k)
			}
		}
	case KindAuth:
		if e.onAuth != nil {
			e.onAuth(cause)
		}
	}
}

// replayLocked re-applies layers on top of base and returns the resulting data.
// Each layer's before is rewired to what now lies beneath it.
func (e *engine) replayLocked(key Key, base Entry, layers []*layer) []byte {
	layers[0].before = base
	data := base.Data
	for i, l := range layers {
		if i > 0 {
			l.before.Data = data
		}
		nd, err := l.apply(key, cloneBytes(data))
		switch {
		case errors.Is(err, ErrSkip):
			continue
		case err != nil:
			e.log.Warn("optimistic replay failed; layer left out", Fields{"key": key.String(), "mutation": l.mutation, "err": err})
			continue
		}
		data = nd
	}
	return data
}

// restoreLocked puts a snapshot back. Status and generation only yield to a
// fetch issued meanwhile, so a later response is still accepted.
func (e *engine) restoreLocked(ent *entry, v Entry) {
	switch {
	case ent.call != nil:
		v.Generation = ent.call.gen
		if v.Data != nil {
			v.Status = RefetchingInBackground
		} else {
			v.Status = Fetching
		}
	case v.Status.InFlight():
		if v.Data != nil {
			v.Status = Stale
		} else {
			v.Status = Idle
		}
	}
	ent.load(v)
}

// settle confirms the layers of a mutation and schedules reconciliation.
func (e *engine) settle(id uint64, applied, keys []Key) {
	e.mu.Lock()
	for _, k := range applied {
		ent, ok := e.entries[k]
		if !ok {
			continue
		}
		if i := layerIndex(ent.layers, id); i >= 0 {
			ent.layers[i].confirmed = true
			ent.layers = trimConfirmed(ent.layers)
		}
	}

	targets := e.reconcileSetLocked(keys)
	// a fetch issued before the write was confirmed may miss it
	marked, ds := e.markStaleKeysLocked(targets)
	var refetch []Key
	for _, k := range targets {
		if ent, ok := e.entries[k]; ok && ent.fetch != nil && e.activeLocked(k) {
			refetch = append(refetch, k)
		}
	}
	e.mu.Unlock()

	e.dispatch(ds)
	for _, k := range refetch {
		e.Refetch(k, false)
	}
	e.log.Debug("mutation settled", Fields{"mutation": id, "keys": len(keys), "marked": marked, "refetch": len(refetch)})
}

// reconcileSetLocked expands mutated keys to everything a confirmed write may
// have changed: the keys, every list and entity-level key of their entity
// types, and the extra matchers.
func (e *engine) reconcileSetLocked(keys []Key) []Key {
	seen := make(map[Key]struct{})
	var out []Key
	add := func(k Key) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range keys {
		add(k)
		for _, ak := range e.reg.Affected(k.Namespace, k.Entity, itemID(k)) {
			if ak.Kind != KindItem {
				add(ak)
			}
		}
	}
	if len(e.extra) > 0 {
		m := AnyOf(e.extra...)
		for k := range e.entries {
			if m.Match(k) {
				add(k)
			}
		}
	}
	sortKeys(out)
	return out
}

func itemID(k Key) string {
	if k.Kind == KindItem {
		return k.Qualifier
	}
	return ""
}

// trimConfirmed drops confirmed layers with no pending layer below them:
// nothing can roll back underneath, so their data is final.
func trimConfirmed(ls []*layer) []*layer {
	i := 0
	for i < len(ls) && ls[i].confirmed {
		i++
	}
	if i == len(ls) {
		return nil
	}
	return ls[i:]
}

func layerIndex(ls []*layer, id uint64) int {
	for i, l := range ls {
		if l.mutation == id {
			return i
		}
	}
	return -1
}

func dedupeKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
