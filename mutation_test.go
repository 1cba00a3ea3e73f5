package synccache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func appendText(s string) Updater {
	return func(_ Key, data []byte) ([]byte, error) {
		return append(data, s...), nil
	}
}

// gatedRemote blocks until the test sends its result.
type gatedRemote struct {
	started chan struct{}
	result  chan error
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{started: make(chan struct{}, 1), result: make(chan error, 1)}
}

func (r *gatedRemote) Call(ctx context.Context) error {
	r.started <- struct{}{}
	return <-r.result
}

func (r *gatedRemote) WaitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote call never started")
	}
}

func mutateAsync(c Cache, keys []Key, u Updater, r RemoteCall) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Mutate(context.Background(), keys, u, r) }()
	return out
}

// ==============================
// Optimistic write and rollback
// ==============================

func TestRollbackIsExact(t *testing.T) {
	boom := errors.New("boom")
	offline := NetworkError("create", errors.New("offline"))

	cases := []struct {
		name  string
		setup func(c *engine)
	}{
		{"unknown key", func(*engine) {}},
		{"fresh", func(c *engine) { c.Set(taskKey, []byte("v1"), Fresh) }},
		{"stale", func(c *engine) {
			c.Set(taskKey, []byte("v1"), Fresh)
			c.MarkStale(taskKey)
		}},
		{"fetched", func(c *engine) {
			_, _ = c.EnsureFresh(context.Background(), taskKey, staticFetcher("server").Fetch, minute)
		}},
		{"error without data", func(c *engine) {
			f := &countingFetcher{next: func(int) ([]byte, error) { return nil, boom }}
			_, _ = c.EnsureFresh(context.Background(), taskKey, f.Fetch, minute)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, clk := newTestCache(t, nil)
			tc.setup(c)
			before := c.Get(taskKey)
			clk.Advance(time.Second)

			remote := newGatedRemote()
			done := mutateAsync(c, []Key{taskKey}, appendText("+opt"), remote.Call)
			remote.WaitStarted(t)

			mid := c.Get(taskKey)
			if !strings.HasSuffix(string(mid.Data), "+opt") || mid.Status != Fresh || !mid.Pending {
				t.Fatalf("optimistic value not visible before remote settles: %+v", mid)
			}

			remote.result <- offline
			err := <-done
			var me *MutationError
			if !errors.As(err, &me) || !errors.Is(err, ErrNetwork) || me.RemoteErr == nil {
				t.Fatalf("mutation error = %v", err)
			}

			after := c.Get(taskKey)
			if !after.Equal(before) {
				t.Fatalf("rollback not exact:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestUpdaterErrorAppliesNothing(t *testing.T) {
	c, _ := newTestCache(t, nil)
	a, b := ItemKey("app", "tasks", "a"), ItemKey("app", "tasks", "b")
	c.Set(a, []byte("a"), Fresh)
	c.Set(b, []byte("b"), Fresh)
	before := c.Get(a)

	called := false
	bad := errors.New("title required")
	err := c.Mutate(context.Background(), []Key{a, b},
		func(k Key, data []byte) ([]byte, error) {
			if k == b {
				return nil, bad
			}
			return []byte("changed"), nil
		},
		func(context.Context) error {
			called = true
			return nil
		})

	if called {
		t.Fatalf("remote called after updater failure")
	}
	var me *MutationError
	if !errors.As(err, &me) || me.ApplyErr == nil || !errors.Is(err, ErrValidation) || !errors.Is(err, bad) {
		t.Fatalf("err = %v, want validation MutationError wrapping cause", err)
	}
	if got := c.Get(a); !got.Equal(before) {
		t.Fatalf("partial optimistic write: %+v", got)
	}
}

func TestSkipLeavesKeyUntouched(t *testing.T) {
	c, _ := newTestCache(t, nil)
	other := ItemKey("app", "tasks", "other")
	c.Set(taskKey, []byte("a"), Fresh)

	err := c.Mutate(context.Background(), []Key{taskKey, other},
		func(k Key, data []byte) ([]byte, error) {
			if data == nil {
				return nil, ErrSkip
			}
			return []byte("b"), nil
		},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range c.Registry().Keys() {
		if k == other {
			t.Fatalf("skipped key was created")
		}
	}
}

func TestOverlappingMutationsRollBackAsAStack(t *testing.T) {
	for _, order := range []string{"top first", "bottom first"} {
		t.Run(order, func(t *testing.T) {
			c, _ := newTestCache(t, nil)
			c.Set(taskKey, []byte("base"), Fresh)
			base := c.Get(taskKey)

			r1, r2 := newGatedRemote(), newGatedRemote()
			d1 := mutateAsync(c, []Key{taskKey}, appendText("+1"), r1.Call)
			r1.WaitStarted(t)
			d2 := mutateAsync(c, []Key{taskKey}, appendText("+2"), r2.Call)
			r2.WaitStarted(t)

			if got := string(c.Get(taskKey).Data); got != "base+1+2" {
				t.Fatalf("stacked optimistic value = %q", got)
			}

			if order == "top first" {
				r2.result <- errors.New("m2 failed")
				<-d2
				if got := string(c.Get(taskKey).Data); got != "base+1" {
					t.Fatalf("after top rollback: %q", got)
				}
				r1.result <- errors.New("m1 failed")
				<-d1
			} else {
				r1.result <- errors.New("m1 failed")
				<-d1
				got := c.Get(taskKey)
				if string(got.Data) != "base+2" || !got.Pending {
					t.Fatalf("after buried rollback: %+v", got)
				}
				r2.result <- errors.New("m2 failed")
				<-d2
			}

			if got := c.Get(taskKey); !got.Equal(base) {
				t.Fatalf("stack did not unwind to base:\nbase %+v\ngot  %+v", base, got)
			}
		})
	}
}

func TestConfirmedWriteSurvivesRollbackBelowIt(t *testing.T) {
	for _, order := range []string{"top confirmed first", "bottom rejected first"} {
		t.Run(order, func(t *testing.T) {
			c, _ := newTestCache(t, nil)
			c.Set(taskKey, []byte("base"), Fresh)

			r1, r2 := newGatedRemote(), newGatedRemote()
			d1 := mutateAsync(c, []Key{taskKey}, appendText("+1"), r1.Call)
			r1.WaitStarted(t)
			d2 := mutateAsync(c, []Key{taskKey}, appendText("+2"), r2.Call)
			r2.WaitStarted(t)

			if order == "top confirmed first" {
				r2.result <- nil
				if err := <-d2; err != nil {
					t.Fatal(err)
				}
				got := c.Get(taskKey)
				if string(got.Data) != "base+1+2" || !got.Pending || got.Status != Stale {
					t.Fatalf("after top confirmed: %+v", got)
				}
				r1.result <- errors.New("m1 failed")
				<-d1
			} else {
				r1.result <- errors.New("m1 failed")
				<-d1
				r2.result <- nil
				if err := <-d2; err != nil {
					t.Fatal(err)
				}
			}

			got := c.Get(taskKey)
			if string(got.Data) != "base+2" || got.Pending {
				t.Fatalf("confirmed write lost or left pending: %+v", got)
			}
			c.mu.Lock()
			layers := len(c.entries[taskKey].layers)
			c.mu.Unlock()
			if layers != 0 {
				t.Fatalf("%d layers left after both mutations settled", layers)
			}
		})
	}
}

func TestRebaseDropsConfirmedLayers(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Set(taskKey, []byte("base"), Fresh)

	r1, r2 := newGatedRemote(), newGatedRemote()
	d1 := mutateAsync(c, []Key{taskKey}, appendText("+1"), r1.Call)
	r1.WaitStarted(t)
	d2 := mutateAsync(c, []Key{taskKey}, appendText("+2"), r2.Call)
	r2.WaitStarted(t)
	r2.result <- nil
	if err := <-d2; err != nil {
		t.Fatal(err)
	}

	// the server copy already carries the confirmed write
	c.Set(taskKey, []byte("server+2"), Fresh)
	if got := string(c.Get(taskKey).Data); got != "server+2+1" {
		t.Fatalf("rebased value = %q", got)
	}

	r1.result <- errors.New("m1 failed")
	<-d1
	if got := c.Get(taskKey); string(got.Data) != "server+2" || got.Pending {
		t.Fatalf("after rollback over rebased value: %+v", got)
	}
}

func TestFetchDuringMutationKeepsOptimisticValue(t *testing.T) {
	c, _ := newTestCache(t, nil)
	g := newGatedFetcher()
	p := Policy{MaxAge: 0}

	c.Prefetch(context.Background(), taskKey, g.Fetch, p)
	g.WaitStarted(t, 1)

	remote := newGatedRemote()
	done := mutateAsync(c, []Key{taskKey}, appendText("+opt"), remote.Call)
	remote.WaitStarted(t)

	g.Release(1, "server", nil)
	waitFor(t, "rebase", func() bool { return string(c.Get(taskKey).Data) == "server+opt" })

	remote.result <- errors.New("rejected")
	<-done
	got := c.Get(taskKey)
	if string(got.Data) != "server" || got.Pending {
		t.Fatalf("rollback must land on the committed server value: %+v", got)
	}
}

// ==============================
// Reconciliation after a write
// ==============================

func TestMoveBetweenListsMarksBothStale(t *testing.T) {
	c, _ := newTestCache(t, nil)
	todo := ListKey("app", "tasks", Filter{"status": "todo"})
	done := ListKey("app", "tasks", Filter{"status": "done"})
	all := ListKey("app", "tasks", nil)
	note := ItemKey("app", "notes", "n1")
	for _, k := range []Key{todo, done, all, taskKey, note} {
		c.Set(k, []byte("x"), Fresh)
	}

	err := c.Mutate(context.Background(), []Key{taskKey, todo, done},
		func(Key, []byte) ([]byte, error) { return []byte("moved"), nil },
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	for _, k := range []Key{todo, done, all, taskKey} {
		got := c.Get(k)
		if got.Status != Stale || got.Pending {
			t.Fatalf("%s: %+v, want stale and settled", k, got)
		}
	}
	if string(c.Get(todo).Data) != "moved" {
		t.Fatalf("optimistic value must stay until refetched")
	}
	if c.Get(note).Status != Fresh {
		t.Fatalf("other entity type invalidated")
	}
}

func TestExtraInvalidatesAfterSuccess(t *testing.T) {
	stats := EntityKey("app", "stats")
	c, _ := newTestCache(t, func(o *Options) { o.Invalidates = []Matcher{stats} })
	c.Set(stats, []byte("{}"), Fresh)

	err := c.Mutate(context.Background(), []Key{taskKey}, appendText("x"), func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if c.Get(stats).Status != Stale {
		t.Fatalf("Options.Invalidates not applied")
	}
}

func TestSuccessRefetchesObservedKeys(t *testing.T) {
	c, _ := newTestCache(t, nil)
	f := staticFetcher("server")
	if _, err := c.EnsureFresh(context.Background(), taskKey, f.Fetch, minute); err != nil {
		t.Fatal(err)
	}
	unsub := c.Subscribe(taskKey, func(Entry) {})
	defer unsub()

	err := c.Mutate(context.Background(), []Key{taskKey}, appendText("+opt"), func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reconcile", func() bool {
		e := c.Get(taskKey)
		return e.Status == Fresh && string(e.Data) == "server"
	})
	if f.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", f.Calls())
	}
}

func TestConflictForcesRefetch(t *testing.T) {
	c, _ := newTestCache(t, nil)
	f := staticFetcher("server")
	if _, err := c.EnsureFresh(context.Background(), taskKey, f.Fetch, Policy{MaxAge: time.Hour}); err != nil {
		t.Fatal(err)
	}

	err := c.Mutate(context.Background(), []Key{taskKey}, appendText("+opt"), func(context.Context) error {
		return ConflictError("update", errors.New("version mismatch"))
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, "forced refetch", func() bool { return f.Calls() == 2 })
}

func TestAuthErrorOnWriteReachesCollaborator(t *testing.T) {
	var mu sync.Mutex
	var got []error
	c, _ := newTestCache(t, func(o *Options) {
		o.OnAuthError = func(err error) {
			mu.Lock()
			got = append(got, err)
			mu.Unlock()
		}
	})

	err := c.Mutate(context.Background(), []Key{taskKey}, appendText("x"), func(context.Context) error {
		return AuthError("create", errors.New("401"))
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("OnAuthError calls = %d", len(got))
	}
}
