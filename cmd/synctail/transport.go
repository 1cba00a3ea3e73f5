package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/push"
	"github.com/unkn0wn-root/synccache/push/fswatch"
	"github.com/unkn0wn-root/synccache/push/gcppubsub"
	pushredis "github.com/unkn0wn-root/synccache/push/redis"
	"github.com/unkn0wn-root/synccache/push/websocket"
)

// publisher is implemented by the transports that can also send events.
type publisher interface {
	Publish(ctx context.Context, evs ...push.Event) error
}

// transport opens the channel selected by --transport. release frees it.
func transport(ctx context.Context, cmd *cobra.Command, log synccache.Logger) (ch push.Channel, release func(), err error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("transport")
	switch name {
	case "redis":
		addr, _ := flags.GetString("redis-addr")
		prefix, _ := flags.GetString("redis-prefix")
		rc, err := pushredis.New(pushredis.Config{
			Client:      goredis.NewClient(&goredis.Options{Addr: addr}),
			Prefix:      prefix,
			Logger:      log,
			CloseClient: true,
		})
		if err != nil {
			return nil, nil, err
		}
		return rc, func() { _ = rc.Close() }, nil

	case "ws":
		u, _ := flags.GetString("ws-url")
		wc, err := websocket.Dial(ctx, websocket.Config{URL: u, Logger: log})
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", u, err)
		}
		return wc, func() { _ = wc.Close() }, nil

	case "pubsub":
		project, _ := flags.GetString("gcp-project")
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return nil, nil, err
		}
		pc, err := gcppubsub.New(gcppubsub.Config{Client: client, Logger: log})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return pc, func() {
			pc.Close()
			_ = client.Close()
		}, nil

	case "fs":
		root, _ := flags.GetString("fs-root")
		fc, err := fswatch.New(fswatch.Config{Root: root, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return fc, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", name)
}
