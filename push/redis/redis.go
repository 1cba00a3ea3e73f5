// Package redis carries invalidation events over Redis Pub/Sub.
//
// Each topic maps to the Redis channel Prefix+topic. Payloads are binary
// event frames; JSON objects ({"entity":"tasks","id":"t1"}) are accepted too,
// so a producer can be as simple as redis-cli PUBLISH.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/internal/wire"
	"github.com/unkn0wn-root/synccache/push"
)

var ErrNilClient = errors.New("redis push: nil client")

const defaultPrefix = "synccache:events:"

type Channel struct {
	rdb         goredis.UniversalClient
	prefix      string
	buffer      int
	log         synccache.Logger
	closeClient bool
}

var _ push.Channel = (*Channel)(nil)

type Config struct {
	Client      goredis.UniversalClient
	Prefix      string // channel prefix; default "synccache:events:"
	Buffer      int    // per-subscription event buffer; default 64
	Logger      synccache.Logger
	CloseClient bool // set true only if this channel exclusively owns the client
}

func New(cfg Config) (*Channel, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	c := &Channel{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		buffer:      cfg.Buffer,
		log:         cfg.Logger,
		closeClient: cfg.CloseClient,
	}
	if c.prefix == "" {
		c.prefix = defaultPrefix
	}
	if c.buffer <= 0 {
		c.buffer = 64
	}
	if c.log == nil {
		c.log = synccache.NopLogger{}
	}
	return c, nil
}

func (c *Channel) channel(topic string) string { return c.prefix + topic }

// Subscribe confirms the Redis subscription before returning, so events
// published after Subscribe returns are not lost.
func (c *Channel) Subscribe(ctx context.Context, topic string) (<-chan push.Event, error) {
	ps := c.rdb.Subscribe(ctx, c.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan push.Event, c.buffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				evs, err := Decode([]byte(m.Payload))
				if err != nil {
					c.log.Warn("dropping undecodable event", fields(topic, err))
					continue
				}
				for _, ev := range evs {
					if ev.Entity == "" {
						ev.Entity = topic
					}
					select {
					case out <- ev:
					default:
						c.log.Warn("subscriber buffer full; event dropped", synccache.Fields{"topic": topic})
					}
				}
			}
		}
	}()
	return out, nil
}

// Publish sends events grouped by entity type, one message per topic.
func (c *Channel) Publish(ctx context.Context, evs ...push.Event) error {
	byTopic := make(map[string][]wire.Event)
	var order []string
	for _, ev := range evs {
		if _, ok := byTopic[ev.Entity]; !ok {
			order = append(order, ev.Entity)
		}
		byTopic[ev.Entity] = append(byTopic[ev.Entity], wire.Event(ev))
	}

	var errs []error
	for _, topic := range order {
		payload, err := encode(byTopic[topic])
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", topic, err))
			continue
		}
		if err := c.rdb.Publish(ctx, c.channel(topic), payload).Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Channel) Close() error {
	if !c.closeClient {
		return nil
	}
	if err := c.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}

// encode frames one event as a single frame and several as a batch.
func encode(evs []wire.Event) ([]byte, error) {
	if len(evs) == 1 {
		return wire.EncodeSingle(evs[0])
	}
	return wire.EncodeBatch(evs)
}

// Decode accepts a binary frame or JSON (one event object or an array).
func Decode(b []byte) ([]push.Event, error) {
	batch, err := wire.Kind(b)
	if err != nil {
		evs, jerr := push.ParseJSON(b)
		if jerr != nil {
			return nil, err
		}
		return evs, nil
	}
	if !batch {
		ev, err := wire.DecodeSingle(b)
		if err != nil {
			return nil, err
		}
		return []push.Event{push.Event(ev)}, nil
	}
	wevs, err := wire.DecodeBatch(b)
	if err != nil {
		return nil, err
	}
	out := make([]push.Event, len(wevs))
	for i, ev := range wevs {
		out[i] = push.Event(ev)
	}
	return out, nil
}

func fields(topic string, err error) synccache.Fields {
	return synccache.Fields{"topic": topic, "err": err}
}
