package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/push"
)

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoRoot)
}

func TestItemFileEmitsItemEvent(t *testing.T) {
	root := t.TempDir()
	ch, err := New(Config{Root: root})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := ch.Subscribe(ctx, "tasks")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ch.Dir("tasks"), "t1.json"), []byte(`{}`), 0o644))

	select {
	case ev := <-events:
		assert.Equal(t, push.Changed("tasks", "t1"), ev)
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}

	cancel()
	for range events {
	}
}

type warnLog struct {
	synccache.NopLogger
	mu    sync.Mutex
	warns []string
}

func (l *warnLog) Warn(msg string, _ synccache.Fields) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *warnLog) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.warns {
		if w == msg {
			n++
		}
	}
	return n
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	root := t.TempDir()
	log := &warnLog{}
	ch, err := New(Config{Root: root, Buffer: 1, Logger: log})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := ch.Subscribe(ctx, "tasks")
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(ch.Dir("tasks"), id+".json"), []byte(`{}`), 0o644))
	}

	assert.Eventually(t, func() bool {
		return log.count("subscriber buffer full; event dropped") > 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	for range events {
	}
}

func TestSubscribeRejectsNestedTopic(t *testing.T) {
	ch, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	_, err = ch.Subscribe(context.Background(), "a/b")
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	ch, _ := New(Config{Root: "/data"})
	cases := []struct {
		name string
		fe   fsnotify.Event
		want push.Event
		ok   bool
	}{
		{"create item", fsnotify.Event{Name: "/data/tasks/7.json", Op: fsnotify.Create}, push.Changed("tasks", "7"), true},
		{"remove item", fsnotify.Event{Name: "/data/tasks/7.json", Op: fsnotify.Remove}, push.Changed("tasks", "7"), true},
		{"other file", fsnotify.Event{Name: "/data/tasks/index.db", Op: fsnotify.Write}, push.AllOf("tasks"), true},
		{"chmod only", fsnotify.Event{Name: "/data/tasks/7.json", Op: fsnotify.Chmod}, push.Event{}, false},
		{"hidden temp", fsnotify.Event{Name: "/data/tasks/.7.json.swp", Op: fsnotify.Write}, push.Event{}, false},
		{"bare extension", fsnotify.Event{Name: "/data/tasks/.json", Op: fsnotify.Write}, push.Event{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ch.convert("tasks", tc.fe)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
