package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queue depth and dead-letter backlog",
	}
	cmd.AddCommand(newQueueInspectCommand())
	return cmd
}

func newQueueInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print pending and dead-lettered item counts for both queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rdb, err := connectRedis(cfg, cfg.Queue.DSN)
			if err != nil {
				return err
			}
			defer rdb.Close()

			q := queue.New(rdb, queue.Config{
				Visibility:  cfg.Queue.ClaimVisibility,
				MaxAttempts: cfg.Agent.MaxAttempts,
			})

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for _, name := range []types.QueueName{types.QueuePlan, types.QueueExecute} {
				depth, err := q.Depth(ctx, name)
				if err != nil {
					return newUnavailableError(fmt.Errorf("reading %s queue depth: %w", name, err))
				}
				dead, err := q.DeadLetterLen(ctx, name)
				if err != nil {
					return newUnavailableError(fmt.Errorf("reading %s dead letter length: %w", name, err))
				}
				fmt.Fprintf(out, "%-8s pending=%d dead-letter=%d\n", name, depth, dead)
			}
			return nil
		},
	}
}
