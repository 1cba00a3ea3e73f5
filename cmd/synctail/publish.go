package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/synccache/push"
)

var publishCmd = &cobra.Command{
	Use:   "publish ENTITY [ID]",
	Short: "Publish an invalidation event (redis and pubsub transports)",
	Long: `Publish tells every listener that ENTITY, or only item ID of it, changed.

Example usage:
  synctail publish tasks            # every task may have changed
  synctail publish tasks t42        # only task t42
  synctail publish --transport pubsub --gcp-project demo tasks`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, sync, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer sync()

		ctx := cmd.Context()
		ch, closeCh, err := transport(ctx, cmd, log)
		if err != nil {
			return err
		}
		defer closeCh()

		p, ok := ch.(publisher)
		if !ok {
			name, _ := cmd.Flags().GetString("transport")
			return fmt.Errorf("transport %q cannot publish", name)
		}
		ev := push.AllOf(args[0])
		if len(args) == 2 {
			ev = push.Changed(args[0], args[1])
		}
		if ns, _ := cmd.Flags().GetString("namespace"); ns != "" {
			ev.Namespace = ns
		}
		if err := p.Publish(ctx, ev); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s/%s\n", ev.Entity, ev.Scope())
		return nil
	},
}

func init() {
	publishCmd.Flags().String("namespace", "", "restrict the event to one cache namespace")
	rootCmd.AddCommand(publishCmd)
}
