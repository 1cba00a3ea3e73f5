package synccache

import (
	"bytes"
	"time"
)

// Status is the lifecycle state of a cache entry.
type Status uint8

const (
	Idle Status = iota
	Fetching
	Fresh
	Stale
	RefetchingInBackground
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case RefetchingInBackground:
		return "refetching"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// InFlight reports whether a fetch is running for an entry in this state.
func (s Status) InFlight() bool { return s == Fetching || s == RefetchingInBackground }

// Entry is a point-in-time copy of one cached value.
//
// Data holds codec-encoded bytes; nil means no data. Pending marks optimistic
// data written by a mutation that has not settled yet.
type Entry struct {
	Key        Key
	Data       []byte
	Status     Status
	Generation uint64
	FetchedAt  time.Time
	Err        error
	Pending    bool

	rev uint64
}

// HasData reports whether the entry holds a value.
func (e Entry) HasData() bool { return e.Data != nil }

// Equal compares the observable state of two entries (data bytes, status,
// generation, fetch time, error identity and pending flag).
func (e Entry) Equal(o Entry) bool {
	return e.Key == o.Key &&
		bytes.Equal(e.Data, o.Data) &&
		(e.Data == nil) == (o.Data == nil) &&
		e.Status == o.Status &&
		e.Generation == o.Generation &&
		e.FetchedAt.Equal(o.FetchedAt) &&
		e.Err == o.Err &&
		e.Pending == o.Pending
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
