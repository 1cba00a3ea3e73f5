// Package gcppubsub carries invalidation events over Google Cloud Pub/Sub.
//
// Every entity type has its own Pub/Sub topic and subscription; the mapping
// defaults to the entity name for both. Message data is a JSON event object
// or an array of them. Messages with empty data are read from attributes
// ("ns", "entity", "id").
package gcppubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/push"
)

var ErrNilClient = errors.New("gcppubsub push: nil client")

type Config struct {
	Client *pubsub.Client
	// Subscription maps an entity topic to a subscription id. Default: identity.
	Subscription func(topic string) string
	// Topic maps an entity to a Pub/Sub topic id for Publish. Default: identity.
	Topic                  func(entity string) string
	MaxOutstandingMessages int // default 100
	NumGoroutines          int // default 1
	Logger                 synccache.Logger
}

type Channel struct {
	client   *pubsub.Client
	subFor   func(string) string
	topicFor func(string) string
	maxOut   int
	workers  int
	log      synccache.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ push.Channel = (*Channel)(nil)

func New(cfg Config) (*Channel, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	identity := func(s string) string { return s }
	c := &Channel{
		client:   cfg.Client,
		subFor:   cfg.Subscription,
		topicFor: cfg.Topic,
		maxOut:   cfg.MaxOutstandingMessages,
		workers:  cfg.NumGoroutines,
		log:      cfg.Logger,
		topics:   make(map[string]*pubsub.Topic),
	}
	if c.subFor == nil {
		c.subFor = identity
	}
	if c.topicFor == nil {
		c.topicFor = identity
	}
	if c.maxOut <= 0 {
		c.maxOut = 100
	}
	if c.workers <= 0 {
		c.workers = 1
	}
	if c.log == nil {
		c.log = synccache.NopLogger{}
	}
	return c, nil
}

// Subscribe checks that the subscription exists, then receives from it until
// ctx ends. Every message is acked once decoded: events are hints and a
// redelivery would only cause another refetch.
func (c *Channel) Subscribe(ctx context.Context, topic string) (<-chan push.Event, error) {
	id := c.subFor(topic)
	sub := c.client.Subscription(id)

	checkCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	ok, err := sub.Exists(checkCtx)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("subscription %s does not exist", id)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = c.maxOut
	sub.ReceiveSettings.NumGoroutines = c.workers

	out := make(chan push.Event, c.maxOut)
	go func() {
		defer close(out)
		err := sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
			evs, err := Decode(msg)
			msg.Ack()
			if err != nil {
				c.log.Warn("dropping undecodable event", synccache.Fields{"topic": topic, "msg_id": msg.ID, "err": err})
				return
			}
			for _, ev := range evs {
				if ev.Entity == "" {
					ev.Entity = topic
				}
				select {
				case out <- ev:
				default:
					c.log.Warn("subscriber buffer full; event dropped", synccache.Fields{"topic": topic, "msg_id": msg.ID})
				}
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("pubsub receive stopped", synccache.Fields{"topic": topic, "subscription": id, "err": err})
		}
	}()
	return out, nil
}

// Publish sends one message per event and waits for the server acks.
func (c *Channel) Publish(ctx context.Context, evs ...push.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(evs))
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		results = append(results, c.topic(ev.Entity).Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"entity": ev.Entity},
		}))
	}
	var errs []error
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Channel) topic(entity string) *pubsub.Topic {
	id := c.topicFor(entity)
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[id]
	if !ok {
		t = c.client.Topic(id)
		c.topics[id] = t
	}
	return t
}

// Close flushes and stops the publishers. The client stays open.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.topics {
		t.Stop()
		delete(c.topics, id)
	}
}

// Decode reads events from message data, or from attributes when data is empty.
func Decode(msg *pubsub.Message) ([]push.Event, error) {
	if len(msg.Data) == 0 {
		a := msg.Attributes
		return []push.Event{{Namespace: a["ns"], Entity: a["entity"], ID: a["id"]}}, nil
	}
	return push.ParseJSON(msg.Data)
}
