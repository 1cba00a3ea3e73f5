// Package websocket receives invalidation events from a WebSocket endpoint.
//
// Protocol (JSON text frames):
//
//	client -> server  {"type":"subscribe","topics":["tasks","notes"]}
//	server -> client  {"entity":"tasks","id":"t1"}   or an array of such objects
//
// The subscribe frame lists every topic and is re-sent after each reconnect.
// A dropped connection is redialed with exponential backoff; subscriptions
// survive it and Reconnected fires once the new connection is up.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/push"
)

var ErrNoURL = errors.New("websocket push: empty url")

type Config struct {
	URL         string
	DialOptions *websocket.DialOptions
	Buffer      int           // per-subscription event buffer; default 64
	MinBackoff  time.Duration // first redial delay; default 250ms
	MaxBackoff  time.Duration // cap on redial delay; default 30s
	Logger      synccache.Logger
}

type Channel struct {
	cfg Config
	log synccache.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]map[*sub]struct{}
	closed bool

	reconnected chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

type sub struct {
	ch     chan push.Event
	closed bool
}

var (
	_ push.Channel     = (*Channel)(nil)
	_ push.Reconnecter = (*Channel)(nil)
)

type subscribeFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// Dial connects to cfg.URL and keeps the connection alive until Close.
// Only the first dial is synchronous; its error is returned as is.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	c := &Channel{
		cfg:         cfg,
		log:         cfg.Logger,
		subs:        make(map[string]map[*sub]struct{}),
		reconnected: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if c.log == nil {
		c.log = synccache.NopLogger{}
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, cfg.DialOptions)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx, conn)
	return c, nil
}

// Subscribe registers topic. The returned channel stays open across
// reconnects and is closed when ctx ends or the Channel is closed.
func (c *Channel) Subscribe(ctx context.Context, topic string) (<-chan push.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, push.ErrClosed
	}
	s := &sub{ch: make(chan push.Event, c.cfg.Buffer)}
	set, ok := c.subs[topic]
	if !ok {
		set = make(map[*sub]struct{})
		c.subs[topic] = set
	}
	set[s] = struct{}{}
	conn, frame := c.conn, c.subscribeFrameLocked()
	c.mu.Unlock()

	if !ok && conn != nil {
		if err := c.send(ctx, conn, frame); err != nil {
			// the read loop notices the broken connection and redials
			c.log.Warn("websocket subscribe frame not sent", synccache.Fields{"topic": topic, "err": err})
		}
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.mu.Lock()
		delete(c.subs[topic], s)
		if len(c.subs[topic]) == 0 {
			delete(c.subs, topic)
		}
		c.closeSubLocked(s)
		c.mu.Unlock()
	}()
	return s.ch, nil
}

func (c *Channel) Reconnected() <-chan struct{} { return c.reconnected }

// Close stops the connection and closes every subscription.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			c.log.Debug("websocket close", synccache.Fields{"err": err})
		}
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Channel) run(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		for _, set := range c.subs {
			for s := range set {
				c.closeSubLocked(s)
			}
		}
		c.subs = nil
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		c.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusGoingAway, "")
		if ctx.Err() != nil {
			return
		}

		next, err := c.redial(ctx)
		if err != nil {
			return
		}
		conn = next
		select {
		case c.reconnected <- struct{}{}:
		default:
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("websocket read failed", synccache.Fields{"err": err})
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		evs, err := push.ParseJSON(data)
		if err != nil {
			c.log.Warn("dropping undecodable event", synccache.Fields{"err": err})
			continue
		}
		c.route(evs)
	}
}

// redial reconnects with backoff and replays the subscribe frame.
func (c *Channel) redial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	op := func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, c.cfg.DialOptions)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil, backoff.Permanent(push.ErrClosed)
		}
		c.conn = conn
		frame := c.subscribeFrameLocked()
		c.mu.Unlock()

		if err := c.send(ctx, conn, frame); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "")
			return nil, err
		}
		return conn, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Info("websocket redial", synccache.Fields{"err": err, "next": next})
		}),
	)
}

func (c *Channel) route(evs []push.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range evs {
		for s := range c.subs[ev.Entity] {
			select {
			case s.ch <- ev:
			default:
				c.log.Warn("subscriber buffer full; event dropped", synccache.Fields{"entity": ev.Entity})
			}
		}
	}
}

func (c *Channel) send(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	if frame == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, frame)
}

func (c *Channel) subscribeFrameLocked() []byte {
	if len(c.subs) == 0 {
		return nil
	}
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	b, _ := json.Marshal(subscribeFrame{Type: "subscribe", Topics: topics})
	return b
}

func (c *Channel) closeSubLocked(s *sub) {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
