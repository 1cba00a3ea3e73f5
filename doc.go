// Package synccache keeps local copies of server-owned entities consistent
// with a remote data service while giving callers immediate, optimistic
// results. The remote service is authoritative; the cache only decides what
// to show until it has heard back.
//
// Components:
//   - Keys and Registry: (namespace, entity, qualifier) identifiers. Lists are
//     keyed by a digest of their filter; the registry resolves "everything of
//     entity X" and "item Y of entity X" to concrete keys.
//   - Store: entries of encoded bytes with status, generation and fetch time,
//     plus pattern subscriptions.
//   - Executor: EnsureFresh coalesces concurrent reads of a key and commits a
//     response only if it belongs to the key's latest generation.
//   - Mutations: Mutate writes optimistic data, awaits the remote call, then
//     either marks affected keys stale for reconciliation or restores the
//     exact prior state.
//   - Invalidation: HandleEvent and Listen turn push events into stale marks
//     and background refetches of observed keys.
//   - Policy: per entity type max age, focus/reconnect behavior and retries.
//
// Statuses:
//
//	idle -> fetching -> fresh -> stale -> refetching -> fresh
//	                 \-> error (data kept)
//
// Read-through with a typed query:
//
//	c, _ := synccache.New(synccache.Options{})
//	q := synccache.UseQuery(c, synccache.ItemKey("app", "tasks", id), loadTask, synccache.QueryOptions[Task]{})
//	defer q.Close()
//	res := q.Result() // never blocks
//
// Optimistic write:
//
//	tasks := synccache.NewCollection(c, "app", "tasks", remote, synccache.CollectionOptions[Task]{})
//	_, err := tasks.Create(ctx, Task{Title: "Ship release"}) // lists show it at once; rolled back on error
package synccache
