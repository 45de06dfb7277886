package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect or cancel a single task",
	}
	cmd.AddCommand(newTaskGetCommand())
	cmd.AddCommand(newTaskCancelCommand())
	return cmd
}

func newTaskGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a task's current status and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := bootstrapCore()
			if err != nil {
				return err
			}
			defer d.close()

			task, err := d.store.Get(cmd.Context(), args[0])
			if err != nil {
				if err == taskstore.ErrNotFound {
					return newUsageError(fmt.Errorf("task %s not found", args[0]))
				}
				return fmt.Errorf("loading task: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", color.CyanString(task.ID), statusColor(task.Status)(string(task.Status)))
			fmt.Fprintf(out, "  kind:      %s\n", task.Kind)
			fmt.Fprintf(out, "  target:    %s %s\n", task.Target.RepoFullName, task.Target.Ref)
			fmt.Fprintf(out, "  attempts:  %d\n", task.Attempts)
			if task.LastError != "" {
				fmt.Fprintf(out, "  error:     %s\n", color.RedString(task.LastError))
			}
			if task.PlanRef != "" {
				fmt.Fprintf(out, "  plan:      %s\n", task.PlanRef)
			}
			if task.PRRef != "" {
				fmt.Fprintf(out, "  pr:        %s\n", task.PRRef)
			}
			fmt.Fprintf(out, "  usage:     %d in / %d out tokens, $%.4f\n",
				task.Usage.InputTokens, task.Usage.OutputTokens, task.Usage.MonetaryCost)
			return nil
		},
	}
}

func newTaskCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Force a non-terminal task to rejected or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := bootstrapCore()
			if err != nil {
				return err
			}
			defer d.close()

			// EventReject only applies from awaiting-approval; any other
			// non-terminal status falls back to EventSubprocessFatal, which
			// Apply treats as legal from any non-terminal status.
			var result statemachine.Result
			var event statemachine.Event
			task, err := d.store.Update(cmd.Context(), args[0], func(t *types.Task) error {
				if t.Status.IsTerminal() {
					return fmt.Errorf("task is already %s", t.Status)
				}
				event = statemachine.EventSubprocessFatal
				if t.Status == types.StatusAwaitingApproval {
					event = statemachine.EventReject
				}
				r, err := statemachine.Apply(t.Status, event)
				if err != nil {
					return err
				}
				result = r
				t.Status = r.To
				t.LastError = "cancelled by operator"
				return nil
			})
			if err != nil {
				if err == taskstore.ErrNotFound {
					return newUsageError(fmt.Errorf("task %s not found", args[0]))
				}
				return newUsageError(err)
			}
			d.recordTransition(cmd.Context(), task.ID, result, event)

			fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("task %s is now %s", task.ID, task.Status))
			return nil
		},
	}
}

func statusColor(s types.Status) func(format string, a ...interface{}) string {
	switch s {
	case types.StatusCompleted:
		return color.GreenString
	case types.StatusFailed, types.StatusRejected:
		return color.RedString
	case types.StatusAwaitingApproval:
		return color.YellowString
	default:
		return color.CyanString
	}
}
