// Command synctail keeps a synced view of REST collections and prints every
// change. It is a debugging aid for the push transports: point it at the
// API and at the channel the backend publishes invalidations on, and watch
// lists refetch as events arrive.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/synccache"
	zaplog "github.com/unkn0wn-root/synccache/log/zap"
)

var rootCmd = &cobra.Command{
	Use:           "synctail",
	Short:         "Tail synced REST collections driven by push invalidations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("transport", "redis", "push transport: redis, ws, pubsub or fs")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address (redis transport)")
	rootCmd.PersistentFlags().String("redis-prefix", "", "Redis channel prefix (redis transport)")
	rootCmd.PersistentFlags().String("ws-url", "", "WebSocket endpoint (ws transport)")
	rootCmd.PersistentFlags().String("gcp-project", "", "Google Cloud project (pubsub transport)")
	rootCmd.PersistentFlags().String("fs-root", "", "watched directory (fs transport)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) (synccache.Logger, func(), error) {
	level, _ := cmd.Flags().GetString("log-level")
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return zaplog.New(l), func() { _ = l.Sync() }, nil
}
