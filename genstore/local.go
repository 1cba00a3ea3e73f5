package genstore

import (
	"context"
	"sync"
	"time"
)

type localGen struct {
	gen       uint64
	updatedAt time.Time
}

// LocalGenStore keeps generations in-process (default).
// The owner drives pruning through Cleanup.
type LocalGenStore struct {
	mu   sync.Mutex
	gens map[string]localGen
	now  func() time.Time
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore() *LocalGenStore {
	return &LocalGenStore{gens: make(map[string]localGen), now: time.Now}
}

func (s *LocalGenStore) Bump(_ context.Context, key string) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	e := s.gens[key]
	e.gen++
	e.updatedAt = now
	s.gens[key] = e
	s.mu.Unlock()
	return e.gen, nil
}

// Len reports how many counters are held.
func (s *LocalGenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gens)
}

func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if e.updatedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

func (s *LocalGenStore) Close(context.Context) error { return nil }
