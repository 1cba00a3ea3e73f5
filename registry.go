package synccache

import (
	"sort"
	"sync"
)

// Registry knows every key the store has seen and the filter behind each list key.
// It resolves invalidation scopes to concrete key sets.
type Registry struct {
	mu       sync.RWMutex
	byEntity map[entityRef]map[Key]struct{}
	filters  map[Key]Filter
}

type entityRef struct {
	ns     string
	entity string
}

func newRegistry() *Registry {
	return &Registry{
		byEntity: make(map[entityRef]map[Key]struct{}),
		filters:  make(map[Key]Filter),
	}
}

// Track records k. For list keys f is remembered (later calls never replace it:
// a list key is bound to one filter for its lifetime).
func (r *Registry) Track(k Key, f Filter) {
	ref := entityRef{ns: k.Namespace, entity: k.Entity}
	r.mu.Lock()
	set, ok := r.byEntity[ref]
	if !ok {
		set = make(map[Key]struct{})
		r.byEntity[ref] = set
	}
	set[k] = struct{}{}
	if k.Kind == KindList && f != nil {
		if _, seen := r.filters[k]; !seen {
			r.filters[k] = cloneFilter(f)
		}
	}
	r.mu.Unlock()
}

// Forget drops k.
func (r *Registry) Forget(k Key) {
	ref := entityRef{ns: k.Namespace, entity: k.Entity}
	r.mu.Lock()
	if set, ok := r.byEntity[ref]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(r.byEntity, ref)
		}
	}
	delete(r.filters, k)
	r.mu.Unlock()
}

// Filter returns the filter a list key was created with.
func (r *Registry) Filter(k Key) (Filter, bool) {
	r.mu.RLock()
	f, ok := r.filters[k]
	r.mu.RUnlock()
	return f, ok
}

// Affected resolves an invalidation scope to the set of existing keys.
//
// id == "" means the whole entity type: every key of it. A specific id yields
// the item key plus every list and entity-level key of the type, since any list
// may contain the item. An empty ns matches all namespaces.
func (r *Registry) Affected(ns, entity, id string) []Key {
	var out []Key
	r.mu.RLock()
	for ref, set := range r.byEntity {
		if ref.entity != entity || (ns != "" && ref.ns != ns) {
			continue
		}
		for k := range set {
			if id == "" || k.Kind != KindItem || k.Qualifier == id {
				out = append(out, k)
			}
		}
	}
	r.mu.RUnlock()
	sortKeys(out)
	return out
}

// Lists returns every tracked list key of an entity type.
func (r *Registry) Lists(ns, entity string) []Key {
	var out []Key
	r.mu.RLock()
	for ref, set := range r.byEntity {
		if ref.entity != entity || (ns != "" && ref.ns != ns) {
			continue
		}
		for k := range set {
			if k.Kind == KindList {
				out = append(out, k)
			}
		}
	}
	r.mu.RUnlock()
	sortKeys(out)
	return out
}

// Keys returns every tracked key.
func (r *Registry) Keys() []Key {
	var out []Key
	r.mu.RLock()
	for _, set := range r.byEntity {
		for k := range set {
			out = append(out, k)
		}
	}
	r.mu.RUnlock()
	sortKeys(out)
	return out
}

func sortKeys(ks []Key) {
	sort.Slice(ks, func(i, j int) bool { return ks[i].String() < ks[j].String() })
}

func cloneFilter(f Filter) Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
