// Package genstore issues the per-key generation numbers that tag fetch requests.
//
// A response is committed only when its generation is still the entry's current
// one, so counters must never go backwards for a live key. LocalGenStore is the
// in-process default; RedisGenStore shares counters between processes of the
// same application (several windows or workers over one Redis).
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generation counters live.
type GenStore interface {
	// Bump atomically increments and returns the new generation of key (first call returns 1).
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes counters untouched for longer than retention (no-op if not applicable).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
