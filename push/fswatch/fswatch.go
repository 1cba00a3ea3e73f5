// Package fswatch turns file changes into invalidation events.
//
// Layout: <root>/<entity>/<id>.json. Creating, writing, renaming or removing
// an item file emits an item event; any other change inside the entity
// directory emits an entity-wide event. Useful for local tooling that syncs
// records as files.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/push"
)

var ErrNoRoot = errors.New("fswatch: empty root")

type Config struct {
	Root   string
	Ext    string // item file extension; default ".json"
	Buffer int    // per-subscription buffer; default 64
	Logger synccache.Logger
}

type Channel struct {
	root   string
	ext    string
	buffer int
	log    synccache.Logger
}

var _ push.Channel = (*Channel)(nil)

func New(cfg Config) (*Channel, error) {
	if cfg.Root == "" {
		return nil, ErrNoRoot
	}
	c := &Channel{root: cfg.Root, ext: cfg.Ext, buffer: cfg.Buffer, log: cfg.Logger}
	if c.ext == "" {
		c.ext = ".json"
	}
	if c.buffer <= 0 {
		c.buffer = 64
	}
	if c.log == nil {
		c.log = synccache.NopLogger{}
	}
	return c, nil
}

// Dir is the directory watched for topic.
func (c *Channel) Dir(topic string) string { return filepath.Join(c.root, topic) }

// Subscribe watches the entity directory of topic, creating it if missing.
func (c *Channel) Subscribe(ctx context.Context, topic string) (<-chan push.Event, error) {
	if topic == "" || strings.ContainsAny(topic, `/\`) {
		return nil, fmt.Errorf("fswatch: invalid topic %q", topic)
	}
	dir := c.Dir(topic)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fswatch: create %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fswatch: watch %s: %w", dir, err)
	}

	out := make(chan push.Event, c.buffer)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fe, ok := <-w.Events:
				if !ok {
					return
				}
				ev, ok := c.convert(topic, fe)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				default:
					c.log.Warn("subscriber buffer full; event dropped", synccache.Fields{"topic": topic, "id": ev.ID})
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("fswatch error", synccache.Fields{"topic": topic, "err": err})
			}
		}
	}()
	return out, nil
}

func (c *Channel) convert(topic string, fe fsnotify.Event) (push.Event, bool) {
	if !fe.Has(fsnotify.Create) && !fe.Has(fsnotify.Write) && !fe.Has(fsnotify.Remove) && !fe.Has(fsnotify.Rename) {
		return push.Event{}, false
	}
	base := filepath.Base(fe.Name)
	if strings.HasPrefix(base, ".") {
		// editor swap files and temp files written before a rename
		return push.Event{}, false
	}
	if id, ok := strings.CutSuffix(base, c.ext); ok && id != "" {
		return push.Changed(topic, id), true
	}
	return push.AllOf(topic), true
}
