package synccache

import (
	"sync"
)

type subscription struct {
	id    uint64
	match Matcher
	fn    func(Entry)

	mu     sync.Mutex
	busy   bool
	closed bool
	queue  []Entry
	seen   map[Key]uint64 // last delivered revision per key
}

type delivery struct {
	sub   *subscription
	entry Entry
}

// Subscribe registers fn for every change of data or status of keys matched by m.
//
// Deliveries for one subscription never overlap and never go back in time:
// a change that lost the race against a newer one is dropped. After
// unsubscribe returns, fn is not started again. fn may call back into the
// cache, including unsubscribe.
func (e *engine) Subscribe(m Matcher, fn func(Entry)) func() {
	s := &subscription{match: m, fn: fn, seen: make(map[Key]uint64)}

	e.mu.Lock()
	e.nextSub++
	s.id = e.nextSub
	e.subs[s.id] = s
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, s.id)
			e.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			s.queue = nil
			s.mu.Unlock()
		})
	}
}

// changedLocked stamps a new revision on ent and collects the deliveries owed
// to matching subscribers. Callers dispatch them after releasing e.mu.
func (e *engine) changedLocked(key Key, ent *entry) []delivery {
	e.rev++
	ent.rev = e.rev

	var ds []delivery
	for _, s := range e.subs {
		if !s.match.Match(key) {
			continue
		}
		v := ent.view(key)
		v.Data = cloneBytes(v.Data)
		ds = append(ds, delivery{sub: s, entry: v})
	}
	return ds
}

func (e *engine) dispatch(ds []delivery) {
	for _, d := range ds {
		e.deliver(d.sub, d.entry)
	}
}

// deliver runs fn inline unless another goroutine is already draining this
// subscription, in which case the entry is queued for it.
func (e *engine) deliver(s *subscription, v Entry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	if s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	for len(s.queue) > 0 && !s.closed {
		next := s.queue[0]
		s.queue = s.queue[1:]
		if next.rev <= s.seen[next.Key] {
			continue
		}
		s.seen[next.Key] = next.rev
		s.mu.Unlock()
		e.invoke(s, next)
		s.mu.Lock()
	}
	s.busy = false
	s.mu.Unlock()
}

func (e *engine) invoke(s *subscription, v Entry) {
	defer func() {
		if r := recover(); r != nil {
			e.hooks.SubscriberPanic(v.Key.String(), r)
			e.log.Error("subscriber panicked", Fields{"key": v.Key.String(), "panic": r})
		}
	}()
	s.fn(v)
}
