package synccache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/synccache/push"
)

func TestInvalidationWithoutSubscribersDefersFetch(t *testing.T) {
	c, _ := newTestCache(t, nil)
	reminders := ListKey("app", "reminders", Filter{"upcoming": true})
	f := staticFetcher("[1]")
	if _, err := c.EnsureFresh(context.Background(), reminders, f.Fetch, minute); err != nil {
		t.Fatal(err)
	}

	marked, refetched := c.HandleEvent(push.AllOf("reminders"))
	if marked != 1 || refetched != 0 {
		t.Fatalf("marked=%d refetched=%d, want 1/0", marked, refetched)
	}
	if f.Calls() != 1 {
		t.Fatalf("network call fired for an unobserved key")
	}
	got := c.Get(reminders)
	if got.Status != Stale || string(got.Data) != "[1]" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	// next subscriber triggers the fetch
	q := UseQuery(c, reminders, func(context.Context) ([]int, error) { return []int{1, 2}, nil }, QueryOptions[[]int]{Policy: &minute})
	defer q.Close()
	waitFor(t, "fetch on subscribe", func() bool { return q.Result().Status == Fresh })
	if r := q.Result(); len(r.Data) != 2 {
		t.Fatalf("query result = %+v", r)
	}
}

func TestInvalidationRefetchesObservedKeys(t *testing.T) {
	c, _ := newTestCache(t, nil)
	g := newGatedFetcher()
	list := ListKey("app", "tasks", Filter{"status": "todo"})
	other := ListKey("app", "notes", nil)
	c.Set(other, []byte("n"), Fresh)

	c.Prefetch(context.Background(), list, g.Fetch, minute)
	g.WaitStarted(t, 1)
	g.Release(1, "v1", nil)
	waitFor(t, "first load", func() bool { return c.Get(list).Status == Fresh })

	unsub := c.Subscribe(list, func(Entry) {})
	defer unsub()

	marked, refetched := c.HandleEvent(push.Changed("tasks", "t9"))
	if marked != 1 || refetched != 1 {
		t.Fatalf("marked=%d refetched=%d, want 1/1", marked, refetched)
	}
	g.WaitStarted(t, 2)
	if got := c.Get(list); got.Status != RefetchingInBackground || string(got.Data) != "v1" {
		t.Fatalf("stale data not served while refetching: %+v", got)
	}
	if c.Get(other).Status != Fresh {
		t.Fatalf("event for tasks touched notes")
	}

	g.Release(2, "v2", nil)
	waitFor(t, "refetch", func() bool { return string(c.Get(list).Data) == "v2" })
}

func TestEventDuringFetchRefetchesObservedKey(t *testing.T) {
	c, _ := newTestCache(t, nil)
	g := newGatedFetcher()
	unsub := c.Subscribe(taskKey, func(Entry) {})
	defer unsub()

	c.Prefetch(context.Background(), taskKey, g.Fetch, Policy{MaxAge: Forever})
	g.WaitStarted(t, 1)

	if marked, refetched := c.HandleEvent(push.Changed("tasks", "t1")); marked != 0 || refetched != 0 {
		t.Fatalf("marked=%d refetched=%d, want 0/0 while the fetch runs", marked, refetched)
	}

	g.Release(1, "pre-change", nil)
	g.WaitStarted(t, 2)
	if got := c.Get(taskKey); got.Status != RefetchingInBackground || string(got.Data) != "pre-change" {
		t.Fatalf("pre-change response not superseded by a refetch: %+v", got)
	}

	g.Release(2, "post-change", nil)
	waitFor(t, "refetch", func() bool {
		got := c.Get(taskKey)
		return got.Status == Fresh && string(got.Data) == "post-change"
	})
	if g.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", g.Calls())
	}
}

func TestInvalidationIsIdempotent(t *testing.T) {
	c, _ := newTestCache(t, nil)
	g := newGatedFetcher()
	item := ItemKey("app", "tasks", "t1")
	list := ListKey("app", "tasks", Filter{"status": "todo"})

	for i, k := range []Key{item, list} {
		c.Prefetch(context.Background(), k, g.Fetch, minute)
		g.WaitStarted(t, i+1)
		g.Release(i+1, "v", nil)
	}
	waitFor(t, "loads", func() bool { return c.Get(item).Status == Fresh && c.Get(list).Status == Fresh })
	unsub := c.Subscribe(AllOf("app", "tasks"), func(Entry) {})
	defer unsub()

	ev := push.Changed("tasks", "t1")
	m1, r1 := c.HandleEvent(ev)
	g.WaitStarted(t, 4)
	m2, r2 := c.HandleEvent(ev)
	if m1 != 2 || r1 != 2 {
		t.Fatalf("first delivery marked=%d refetched=%d", m1, r1)
	}
	if m2 != 0 || r2 != 0 {
		t.Fatalf("second delivery double counted: marked=%d refetched=%d", m2, r2)
	}
	if g.Calls() != 4 {
		t.Fatalf("concurrent duplicate fetches: %d calls", g.Calls())
	}

	// the second delivery cannot tell a repeat from a newer change, so the
	// running fetches are confirmed by one more read each
	g.Release(3, "v2", nil)
	g.Release(4, "v2", nil)
	g.WaitStarted(t, 6)
	g.Release(5, "v2", nil)
	g.Release(6, "v2", nil)
	waitFor(t, "settle", func() bool {
		i, l := c.Get(item), c.Get(list)
		return string(i.Data) == "v2" && string(l.Data) == "v2" && i.Status == Fresh && l.Status == Fresh
	})
	if g.Calls() != 6 {
		t.Fatalf("calls = %d, want 6", g.Calls())
	}
}

func TestItemEventSkipsOtherItems(t *testing.T) {
	c, _ := newTestCache(t, nil)
	a, b := ItemKey("app", "tasks", "a"), ItemKey("app", "tasks", "b")
	c.Set(a, []byte("a"), Fresh)
	c.Set(b, []byte("b"), Fresh)

	if marked, _ := c.HandleEvent(push.Changed("tasks", "a")); marked != 1 {
		t.Fatalf("marked = %d", marked)
	}
	if c.Get(b).Status != Fresh {
		t.Fatalf("unrelated item invalidated")
	}
}

func TestListenFeedsEvents(t *testing.T) {
	c, _ := newTestCache(t, nil)
	list := ListKey("app", "tasks", nil)
	c.Set(list, []byte("[]"), Fresh)

	bus := push.NewBus(0)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx, bus, "tasks") }()

	waitFor(t, "event applied", func() bool {
		bus.Publish("tasks", push.Event{})
		return c.Get(list).Status == Stale
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Listen returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Listen did not stop")
	}
}

func TestListenStopsWhenChannelCloses(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bus := push.NewBus(0)

	done := make(chan error, 1)
	go func() { done <- c.Listen(context.Background(), bus, "tasks") }()
	waitFor(t, "subscribed", func() bool { return bus.Publish("tasks", push.Event{}) == 1 })
	bus.Close()

	select {
	case err := <-done:
		if !errors.Is(err, push.ErrClosed) {
			t.Fatalf("Listen returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Listen did not stop")
	}
}

type reconnectingBus struct {
	*push.Bus
	reconnected chan struct{}
}

func (b *reconnectingBus) Reconnected() <-chan struct{} { return b.reconnected }

func TestListenRevalidatesOnReconnect(t *testing.T) {
	c, clk := newTestCache(t, nil)
	f := staticFetcher("v")
	p := Policy{MaxAge: time.Minute, RefetchOnReconnect: true}
	if _, err := c.EnsureFresh(context.Background(), taskKey, f.Fetch, p); err != nil {
		t.Fatal(err)
	}
	unsub := c.Subscribe(taskKey, func(Entry) {})
	defer unsub()
	clk.Advance(2 * time.Minute)

	ch := &reconnectingBus{Bus: push.NewBus(0), reconnected: make(chan struct{}, 1)}
	defer ch.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Listen(ctx, ch, "tasks") }()

	ch.reconnected <- struct{}{}
	waitFor(t, "revalidate", func() bool { return f.Calls() == 2 })
}

func TestFocusRespectsPolicy(t *testing.T) {
	c, _ := newTestCache(t, nil)
	on := ItemKey("app", "tasks", "on")
	off := ItemKey("app", "tasks", "off")
	unobserved := ItemKey("app", "tasks", "unobserved")
	fOn, fOff, fUn := staticFetcher("a"), staticFetcher("b"), staticFetcher("c")
	ctx := context.Background()
	_, _ = c.EnsureFresh(ctx, on, fOn.Fetch, Policy{MaxAge: time.Minute, RefetchOnFocus: true})
	_, _ = c.EnsureFresh(ctx, off, fOff.Fetch, Policy{MaxAge: time.Minute})
	_, _ = c.EnsureFresh(ctx, unobserved, fUn.Fetch, Policy{MaxAge: time.Minute, RefetchOnFocus: true})

	unsub := c.Subscribe(AnyOf(on, off), func(Entry) {})
	defer unsub()

	if n := c.Focus(); n != 0 {
		t.Fatalf("fresh keys refetched on focus: %d", n)
	}
	c.MarkStale(AllOf("app", "tasks"))
	if n := c.Focus(); n != 1 {
		t.Fatalf("Focus started %d fetches, want 1", n)
	}
	waitFor(t, "focus refetch", func() bool { return fOn.Calls() == 2 })
	if fOff.Calls() != 1 || fUn.Calls() != 1 {
		t.Fatalf("policy or observation ignored: off=%d unobserved=%d", fOff.Calls(), fUn.Calls())
	}
}
