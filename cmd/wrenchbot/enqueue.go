package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jordigilh/wrenchbot/pkg/clock"
	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

var priorityByName = map[string]types.Priority{
	"low":      types.PriorityLow,
	"normal":   types.PriorityNormal,
	"high":     types.PriorityHigh,
	"critical": types.PriorityCritical,
}

func newEnqueueCommand() *cobra.Command {
	var kind, target, ref, priority string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Administratively create and enqueue a task, bypassing webhook ingestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskKind := types.Kind(kind)
			if target == "" {
				return newUsageError(fmt.Errorf("--target is required"))
			}
			p, ok := priorityByName[priority]
			if !ok {
				return newUsageError(fmt.Errorf("unknown priority %q (want one of low, normal, high, critical)", priority))
			}

			d, err := bootstrapCore()
			if err != nil {
				return err
			}
			defer d.close()

			queueRDB, err := connectRedis(d.cfg, d.cfg.Queue.DSN)
			if err != nil {
				return err
			}
			defer queueRDB.Close()

			q := queue.New(queueRDB, queue.Config{
				Visibility:  d.cfg.Queue.ClaimVisibility,
				MaxAttempts: d.cfg.Agent.MaxAttempts,
			})

			now := clock.RealClock{}.Now()
			fingerprint := clock.Fingerprint("admin-cli", target, string(taskKind), ref)
			result := statemachine.Create(false)
			task := types.Task{
				ID:          clock.NewTaskID(),
				Fingerprint: fingerprint,
				Origin:      types.Origin{Provider: types.ProviderCodeHost, EventID: "cli"},
				Target:      types.Target{RepoFullName: target, Ref: ref},
				Kind:        taskKind,
				Priority:    p,
				Status:      result.To,
				CreatedAt:   now,
				UpdatedAt:   now,
				Version:     1,
			}

			if err := d.store.Put(cmd.Context(), &task); err != nil {
				return fmt.Errorf("persisting task: %w", err)
			}
			if err := q.Enqueue(cmd.Context(), types.QueuePlan, task.ID, task.Priority); err != nil {
				return fmt.Errorf("enqueueing task: %w", err)
			}
			d.recordTransition(cmd.Context(), task.ID, result, statemachine.EventCreated)

			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("created task %s", task.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(types.KindFix), "task kind (enrich|fix|approve|improve|review)")
	cmd.Flags().StringVar(&target, "target", "", "target repository full name, e.g. acme/widgets")
	cmd.Flags().StringVar(&ref, "ref", "", "optional target ref (PR/issue reference)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority (low|normal|high|critical)")
	return cmd
}
