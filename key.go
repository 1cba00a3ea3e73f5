package synccache

import (
	"github.com/unkn0wn-root/synccache/internal/util"
)

// Kind tells what the qualifier of a Key holds.
type Kind uint8

const (
	// KindEntity keys address an entity type as a whole (no qualifier).
	KindEntity Kind = iota
	// KindItem keys carry an item id.
	KindItem
	// KindList keys carry the digest of a list filter.
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindItem:
		return "item"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Filter is an opaque list descriptor (sort, category, search, ...).
// Filters are never mutated in place: build a new one and a new key.
type Filter map[string]any

// Key identifies one cached collection or item: (namespace, entity, qualifier?).
// Keys are comparable and compare structurally.
type Key struct {
	Namespace string
	Entity    string
	Kind      Kind
	Qualifier string
}

// EntityKey addresses an entity type without qualifier (e.g. a singleton profile).
func EntityKey(ns, entity string) Key {
	return Key{Namespace: ns, Entity: entity, Kind: KindEntity}
}

// ItemKey addresses a single item by id.
func ItemKey(ns, entity, id string) Key {
	return Key{Namespace: ns, Entity: entity, Kind: KindItem, Qualifier: id}
}

// ListKey addresses a list filtered by f. Equal filters (regardless of map
// order) produce equal keys.
func ListKey(ns, entity string, f Filter) Key {
	return Key{Namespace: ns, Entity: entity, Kind: KindList, Qualifier: util.Digest(f)}
}

func (k Key) String() string {
	base := k.Namespace + "/" + k.Entity
	switch k.Kind {
	case KindItem:
		return base + "#" + k.Qualifier
	case KindList:
		return base + "?" + k.Qualifier
	default:
		return base
	}
}

// Match makes a Key a Matcher for exactly itself.
func (k Key) Match(other Key) bool { return k == other }

// Matcher selects keys for MarkStale and Subscribe.
type Matcher interface {
	Match(Key) bool
}

// MatchFunc adapts a function to Matcher.
type MatchFunc func(Key) bool

func (f MatchFunc) Match(k Key) bool { return f(k) }

// AllOf matches every key of an entity type. An empty ns matches any namespace.
func AllOf(ns, entity string) Matcher {
	return MatchFunc(func(k Key) bool {
		return k.Entity == entity && (ns == "" || k.Namespace == ns)
	})
}

// ListsOf matches every list key of an entity type. An empty ns matches any namespace.
func ListsOf(ns, entity string) Matcher {
	return MatchFunc(func(k Key) bool {
		return k.Kind == KindList && k.Entity == entity && (ns == "" || k.Namespace == ns)
	})
}

// AnyOf matches when any of ms matches.
func AnyOf(ms ...Matcher) Matcher {
	return MatchFunc(func(k Key) bool {
		for _, m := range ms {
			if m.Match(k) {
				return true
			}
		}
		return false
	})
}
