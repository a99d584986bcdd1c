package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/verify"
)

// NewStatusCommand creates the 'taskproof status' command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show verification status",
		Long: `Show the verification record of one task, or a table of every active
record. Expired deadlines are applied before anything is printed, so the
output reflects time that passed while nothing was running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}

	cmd.Flags().Bool("json", false, "Print as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		if len(args) == 1 {
			st, err := a.machine.Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			return showStatus(cmd, st)
		}

		all := a.machine.Snapshots(ctx)
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if all == nil {
				all = []*verify.Status{}
			}
			return writeJSON(cmd.OutOrStdout(), all)
		}
		printStatusTable(cmd.OutOrStdout(), all)
		return nil
	})
}

func printStatusTable(w io.Writer, all []*verify.Status) {
	if len(all) == 0 {
		fmt.Fprintln(w, "No active verifications")
		return
	}
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintf(w, "%-14s %-20s %5s %10s %8s %8s\n", "TASK", "STATUS", "CYCLE", "REMAINING", "EARNED", "PENALTY")
	for _, st := range all {
		rec := st.Record
		remaining := "-"
		if st.ActiveDeadline != nil {
			remaining = logger.FormatRemaining(st.Remaining)
		}
		fmt.Fprintf(w, "%-14s ", rec.TaskID)
		statusColor(rec.Status).Fprintf(w, "%-20s", rec.Status)
		fmt.Fprintf(w, " %5d %10s %8d %8d\n", rec.Cycle, remaining,
			rec.StartGoldEarned+rec.CompletionGoldEarned, rec.TotalGoldPenalty)
	}
}

// NewTasksCommand creates the 'taskproof tasks' command
func NewTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List stored tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				tasks, err := a.store.ListTasks(ctx)
				if err != nil {
					return err
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					if tasks == nil {
						tasks = []*models.Task{}
					}
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				printTasks(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}

func printTasks(w io.Writer, tasks []*models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks")
		return
	}
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	for _, t := range tasks {
		fmt.Fprintf(w, "%-14s %-28s %s  %3dm  %4d gold  ",
			t.ID, t.Title, t.ScheduledStart.Local().Format("2006-01-02 15:04"), t.DurationMinutes, t.GoldReward)
		switch t.Status {
		case models.TaskCompleted:
			green.Fprintln(w, t.Status)
		case models.TaskInProgress:
			yellow.Fprintln(w, t.Status)
		default:
			fmt.Fprintln(w, t.Status)
		}
	}
}
