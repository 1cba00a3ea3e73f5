// Package push defines the realtime change-notification boundary.
//
// A topic corresponds to an entity type. Every event on a topic means
// "something in this entity type may have changed"; it is never a diff.
// Transports live in subpackages (redis, websocket, gcppubsub, fswatch).
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

// Event is an invalidation notice. An empty ID scopes it to the whole entity
// type; an empty Namespace matches every namespace.
type Event struct {
	Namespace string `json:"ns,omitempty"`
	Entity    string `json:"entity"`
	ID        string `json:"id,omitempty"`
}

// AllOf is an event covering every item of entity.
func AllOf(entity string) Event { return Event{Entity: entity} }

// Changed is an event for a single item.
func Changed(entity, id string) Event { return Event{Entity: entity, ID: id} }

// Scope renders the event scope: "all" or the item id.
func (e Event) Scope() string {
	if e.ID == "" {
		return "all"
	}
	return e.ID
}

// ParseJSON decodes one event object or an array of them.
func ParseJSON(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var evs []Event
		if err := json.Unmarshal(data, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// Channel delivers events per topic. The returned channel is closed when ctx
// ends or the transport gives up.
type Channel interface {
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}

// Reconnecter is implemented by channels that can lose and regain their
// connection. The returned channel receives a value after every reconnect.
type Reconnecter interface {
	Reconnected() <-chan struct{}
}

// ErrClosed is returned when subscribing to a closed channel.
var ErrClosed = errors.New("push: channel closed")

// Bus is an in-process Channel. Publish never blocks: a subscriber whose
// buffer is full misses the event (events are hints, the next one or the
// next access reconciles). Dropped counts the misses.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[*busSub]struct{}
	buffer  int
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

type busSub struct {
	ch   chan Event
	once sync.Once
}

func (s *busSub) close() { s.once.Do(func() { close(s.ch) }) }

var _ Channel = (*Bus)(nil)

// NewBus creates a bus with per-subscriber buffers of the given size (0 => 64).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[string]map[*busSub]struct{}), buffer: buffer, done: make(chan struct{})}
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &busSub{ch: make(chan Event, b.buffer)}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*busSub]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		delete(b.subs[topic], s)
		b.mu.Unlock()
		s.close()
	}()
	return s.ch, nil
}

// Publish delivers ev to every subscriber of topic and returns how many got it.
func (b *Bus) Publish(topic string, ev Event) int {
	if ev.Entity == "" {
		ev.Entity = topic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs[topic] {
		select {
		case s.ch <- ev:
			n++
		default:
			b.dropped.Add(1)
		}
	}
	return n
}

// Dropped is the number of deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for _, set := range b.subs {
		for s := range set {
			s.close()
		}
	}
	b.subs = nil
}
