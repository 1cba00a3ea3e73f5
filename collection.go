package synccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/unkn0wn-root/synccache/codec"
)

// Entity is a server-owned record with a stable id.
type Entity interface {
	EntityID() string
}

// Patch is a partial update: JSON field name => new value (nil removes the field).
type Patch map[string]any

// Remote is the data service of one entity type. Each call must return exactly once.
type Remote[T any] interface {
	List(ctx context.Context, f Filter) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, in T) (T, error)
	Update(ctx context.Context, id string, p Patch) (T, error)
	Delete(ctx context.Context, id string) error
}

type CollectionOptions[T Entity] struct {
	ItemCodec codec.Codec[T]   // nil => codec.JSON
	ListCodec codec.Codec[[]T] // nil => codec.JSON
	Policy    *Policy          // nil => Cache.PolicyFor

	// Validator checks values before anything is applied. nil => a default
	// validator honoring `validate` struct tags.
	Validator *validator.Validate

	// AssignTempID gives an item created offline a temporary id until the
	// server answers. nil keeps the input as is.
	AssignTempID func(v T, id string) T

	// ListMatch reports whether item belongs in the list built from f. It
	// only decides where optimistic results are shown; every list of the
	// entity type is still reconciled after a write.
	ListMatch func(f Filter, item T) bool
}

// Collection wires one entity type to the cache: typed list and item queries,
// and create/update/delete with optimistic updates of every cached list.
type Collection[T Entity] struct {
	c      Cache
	ns     string
	entity string
	remote Remote[T]
	opts   CollectionOptions[T]
}

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

func NewCollection[T Entity](c Cache, ns, entity string, remote Remote[T], opts CollectionOptions[T]) *Collection[T] {
	if opts.ItemCodec == nil {
		opts.ItemCodec = codec.JSON[T]{}
	}
	if opts.ListCodec == nil {
		opts.ListCodec = codec.JSON[[]T]{}
	}
	if opts.Validator == nil {
		opts.Validator = defaultValidator
	}
	return &Collection[T]{c: c, ns: ns, entity: entity, remote: remote, opts: opts}
}

func (col *Collection[T]) ListKey(f Filter) Key { return ListKey(col.ns, col.entity, f) }
func (col *Collection[T]) ItemKey(id string) Key { return ItemKey(col.ns, col.entity, id) }

// List opens a query on the list selected by f.
func (col *Collection[T]) List(f Filter, onChange func(Result[[]T])) *Query[[]T] {
	return UseQuery(col.c, col.ListKey(f), func(ctx context.Context) ([]T, error) {
		return col.remote.List(ctx, f)
	}, QueryOptions[[]T]{Codec: col.opts.ListCodec, Policy: col.opts.Policy, Filter: f, OnChange: onChange})
}

// Item opens a query on one item.
func (col *Collection[T]) Item(id string, onChange func(Result[T])) *Query[T] {
	return UseQuery(col.c, col.ItemKey(id), func(ctx context.Context) (T, error) {
		return col.remote.Get(ctx, id)
	}, QueryOptions[T]{Codec: col.opts.ItemCodec, Policy: col.opts.Policy, OnChange: onChange})
}

// Create shows in immediately in every cached list it belongs to, then
// creates it remotely. The server's copy is seeded into its item key.
func (col *Collection[T]) Create(ctx context.Context, in T) (T, error) {
	var zero T
	op := "create " + col.entity
	if err := col.validate(in); err != nil {
		return zero, &MutationError{ApplyErr: ValidationError(op, err)}
	}

	shown := in
	if col.opts.AssignTempID != nil {
		shown = col.opts.AssignTempID(in, "tmp-"+uuid.NewString())
	}

	var keys []Key
	for _, k := range col.c.Registry().Lists(col.ns, col.entity) {
		if col.belongs(k, shown) {
			keys = append(keys, k)
		}
	}
	// a client-chosen id is final, so its item key can be filled too
	if id := shown.EntityID(); id != "" && col.opts.AssignTempID == nil {
		keys = append(keys, col.ItemKey(id))
	}

	update := func(k Key, data []byte) ([]byte, error) {
		if k.Kind == KindItem {
			return col.opts.ItemCodec.Encode(shown)
		}
		if data == nil {
			return nil, ErrSkip
		}
		list, err := col.opts.ListCodec.Decode(data)
		if err != nil {
			return nil, err
		}
		return col.opts.ListCodec.Encode(append(list, shown))
	}

	var created T
	err := col.c.Mutate(ctx, keys, update, func(ctx context.Context) error {
		out, err := col.remote.Create(ctx, in)
		if err != nil {
			return err
		}
		created = out
		return nil
	})
	if err != nil {
		return zero, err
	}
	col.seed(created)
	return created, nil
}

// Update patches id in its item key and in every cached list, moving it
// between lists when ListMatch is set, then updates it remotely.
func (col *Collection[T]) Update(ctx context.Context, id string, p Patch) (T, error) {
	var zero T
	op := "update " + col.entity

	cur, known := col.lookup(id)
	var patched T
	if known {
		var err error
		if patched, err = applyPatch(cur, p); err != nil {
			return zero, &MutationError{ApplyErr: ValidationError(op, err)}
		}
		if err := col.validate(patched); err != nil {
			return zero, &MutationError{ApplyErr: ValidationError(op, err)}
		}
	}

	keys := append([]Key{col.ItemKey(id)}, col.c.Registry().Lists(col.ns, col.entity)...)
	update := func(k Key, data []byte) ([]byte, error) {
		if data == nil {
			return nil, ErrSkip
		}
		if k.Kind == KindItem {
			item, err := col.opts.ItemCodec.Decode(data)
			if err != nil {
				return nil, err
			}
			if item, err = applyPatch(item, p); err != nil {
				return nil, err
			}
			return col.opts.ItemCodec.Encode(item)
		}

		list, err := col.opts.ListCodec.Decode(data)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(list)+1)
		seen := false
		for _, item := range list {
			if item.EntityID() != id {
				out = append(out, item)
				continue
			}
			seen = true
			if item, err = applyPatch(item, p); err != nil {
				return nil, err
			}
			if col.belongs(k, item) {
				out = append(out, item)
			}
		}
		if !seen {
			if !known || col.opts.ListMatch == nil || !col.belongs(k, patched) {
				return nil, ErrSkip
			}
			out = append(out, patched)
		}
		return col.opts.ListCodec.Encode(out)
	}

	var updated T
	err := col.c.Mutate(ctx, keys, update, func(ctx context.Context) error {
		out, err := col.remote.Update(ctx, id, p)
		if err != nil {
			return err
		}
		updated = out
		return nil
	})
	if err != nil {
		return zero, err
	}
	col.seed(updated)
	return updated, nil
}

// Delete removes id from its item key and every cached list, then deletes it remotely.
func (col *Collection[T]) Delete(ctx context.Context, id string) error {
	keys := append([]Key{col.ItemKey(id)}, col.c.Registry().Lists(col.ns, col.entity)...)
	update := func(k Key, data []byte) ([]byte, error) {
		if data == nil {
			return nil, ErrSkip
		}
		if k.Kind == KindItem {
			return nil, nil
		}
		list, err := col.opts.ListCodec.Decode(data)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(list))
		for _, item := range list {
			if item.EntityID() != id {
				out = append(out, item)
			}
		}
		if len(out) == len(list) {
			return nil, ErrSkip
		}
		return col.opts.ListCodec.Encode(out)
	}
	return col.c.Mutate(ctx, keys, update, func(ctx context.Context) error {
		return col.remote.Delete(ctx, id)
	})
}

func (col *Collection[T]) validate(v T) error {
	err := col.opts.Validator.Struct(v)
	var inv *validator.InvalidValidationError
	if errors.As(err, &inv) {
		// not a struct: nothing to check
		return nil
	}
	return err
}

func (col *Collection[T]) belongs(list Key, item T) bool {
	if col.opts.ListMatch == nil {
		return true
	}
	f, ok := col.c.Registry().Filter(list)
	if !ok {
		return true
	}
	return col.opts.ListMatch(f, item)
}

// lookup finds the cached value of id in its item key or any cached list.
func (col *Collection[T]) lookup(id string) (T, bool) {
	var zero T
	if ent := col.c.Get(col.ItemKey(id)); ent.HasData() {
		if v, err := col.opts.ItemCodec.Decode(ent.Data); err == nil {
			return v, true
		}
	}
	for _, k := range col.c.Registry().Lists(col.ns, col.entity) {
		ent := col.c.Get(k)
		if !ent.HasData() {
			continue
		}
		list, err := col.opts.ListCodec.Decode(ent.Data)
		if err != nil {
			continue
		}
		for _, item := range list {
			if item.EntityID() == id {
				return item, true
			}
		}
	}
	return zero, false
}

func (col *Collection[T]) seed(v T) {
	id := v.EntityID()
	if id == "" {
		return
	}
	b, err := col.opts.ItemCodec.Encode(v)
	if err != nil {
		return
	}
	col.c.Set(col.ItemKey(id), b, Fresh)
}

// applyPatch merges p into v through its JSON form.
func applyPatch[T any](v T, p Patch) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode for patch: %w", err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(b, &m); err != nil {
		return out, fmt.Errorf("patch target is not an object: %w", err)
	}
	for k, x := range p {
		if x == nil {
			delete(m, k)
			continue
		}
		m[k] = x
	}
	if b, err = json.Marshal(m); err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}
