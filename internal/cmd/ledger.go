package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskproof/internal/ledger"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/store"
)

// NewLedgerCommand creates the 'taskproof ledger' command
func NewLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger [task-id]",
		Short: "Show the gold ledger",
		Long: `Print gold entries and the running balance, for every task or for one.

Examples:
  taskproof ledger
  taskproof ledger run-1 --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLedger,
	}

	cmd.Flags().Bool("json", false, "Print as JSON")
	cmd.AddCommand(NewLedgerAdjustCommand())

	return cmd
}

type ledgerView struct {
	Balance int                  `json:"balance"`
	Summary *ledger.Summary      `json:"summary,omitempty"`
	Entries []models.LedgerEntry `json:"entries"`
}

func runLedger(cmd *cobra.Command, args []string) error {
	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	}
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		entries, err := a.ledger.Entries(ctx, taskID)
		if err != nil {
			return err
		}
		balance, err := a.ledger.Balance(ctx)
		if err != nil {
			return err
		}
		view := ledgerView{Balance: balance, Entries: entries}
		if view.Entries == nil {
			view.Entries = []models.LedgerEntry{}
		}
		if taskID != "" {
			sum, err := a.ledger.Summarize(ctx, taskID)
			if err != nil {
				return err
			}
			view.Summary = &sum
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), view)
		}
		printLedger(cmd.OutOrStdout(), view)
		return nil
	})
}

func printLedger(w io.Writer, v ledgerView) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	if len(v.Entries) == 0 {
		fmt.Fprintln(w, "No ledger entries")
	}
	for _, e := range v.Entries {
		fmt.Fprintf(w, "%s  %-20s ", e.CreatedAt.Local().Format("2006-01-02 15:04"), e.TaskLabel)
		if e.Kind == models.LedgerPenalty {
			red.Fprintf(w, "%+6d", e.Signed())
		} else {
			green.Fprintf(w, "%+6d", e.Signed())
		}
		gray.Fprintf(w, "  %s\n", e.Reason)
	}
	if v.Summary != nil {
		fmt.Fprintf(w, "Task %s: +%d / -%d = %d\n", v.Summary.TaskID, v.Summary.Awarded, v.Summary.Penalized, v.Summary.Net)
	}
	cyan.Fprintf(w, "Balance: %d gold\n", v.Balance)
}

// NewLedgerAdjustCommand creates the 'taskproof ledger adjust' command
func NewLedgerAdjustCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust <award|penalty> <amount>",
		Short: "Record a manual gold award or penalty",
		Long: `Post a one-off ledger entry outside the verification flow.

Examples:
  taskproof ledger adjust award 25 --reason "helped a friend move"
  taskproof ledger adjust penalty 10 --task run-1 --reason "skipped stretching"`,
		Args: cobra.ExactArgs(2),
		RunE: runLedgerAdjust,
	}

	cmd.Flags().String("reason", "manual", "Reason stored with the entry")
	cmd.Flags().String("task", "", "Attach the entry to a task")

	return cmd
}

func runLedgerAdjust(cmd *cobra.Command, args []string) error {
	amount, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	reason, _ := cmd.Flags().GetString("reason")
	taskID, _ := cmd.Flags().GetString("task")

	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		// Entries not tied to a task are grouped under "manual"
		label := "manual"
		if taskID == "" {
			taskID = "manual"
		} else {
			task, err := a.store.GetTask(ctx, taskID)
			if err != nil {
				if store.IsNotFound(err) {
					return fmt.Errorf("task %s not found", taskID)
				}
				return err
			}
			label = task.Label()
		}

		var entry models.LedgerEntry
		switch args[0] {
		case "award":
			entry, err = a.ledger.AddGold(ctx, amount, reason, taskID, label)
		case "penalty":
			entry, err = a.ledger.PenaltyGold(ctx, amount, reason, taskID, label)
		default:
			return fmt.Errorf("unknown adjustment %q (want award or penalty)", args[0])
		}
		if err != nil {
			return err
		}
		balance, err := a.ledger.Balance(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %+d gold (%s). Balance: %d\n", entry.Signed(), entry.Reason, balance)
		return nil
	})
}
