package synccache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths, on the goroutine doing the work.
type Hooks interface {
	// A fetch was issued. background is true when data was already cached.
	FetchStarted(key string, gen uint64, background bool)

	// A fetch resolved after it had been superseded; its result was dropped.
	FetchDiscarded(key string, gen, current uint64)

	// A fetch failed after retries; cached data was kept.
	FetchFailed(key string, gen uint64, err error)

	// Optimistic data was written for a mutation.
	OptimisticApplied(mutation uint64, keys int)

	// The remote call of a mutation failed and its optimistic write was undone.
	MutationRolledBack(mutation uint64, keys int, err error)

	// An invalidation event was applied.
	// marked is the number of keys flipped to stale, refetched the number of background fetches.
	Invalidated(entity, id string, marked, refetched int)

	// A subscriber callback panicked (recovered).
	SubscriberPanic(key string, v any)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchStarted(string, uint64, bool)     {}
func (NopHooks) FetchDiscarded(string, uint64, uint64) {}
func (NopHooks) FetchFailed(string, uint64, error)     {}
func (NopHooks) OptimisticApplied(uint64, int)         {}
func (NopHooks) MutationRolledBack(uint64, int, error) {}
func (NopHooks) Invalidated(string, string, int, int)  {}
func (NopHooks) SubscriberPanic(string, any)           {}
