package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskproof/internal/plan"
)

// NewPlanCommand creates the 'taskproof plan' command group
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with daily task plans",
	}
	cmd.AddCommand(NewPlanImportCommand())
	return cmd
}

// NewPlanImportCommand creates the 'taskproof plan import' command
func NewPlanImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <plan-file>",
		Short: "Import tasks from a Markdown or YAML plan",
		Long: `Parse a plan file and store its tasks and verification configs.
Tasks with an existing id are replaced.

Markdown plans use one section per task:

  ## Task run-1: Morning run
  **Start**: 07:30
  **Duration**: 45m
  **Gold**: 120
  **Start keywords**: shoes, road
  **Completion keywords**: watch, finish

YAML plans list the same fields under "tasks". Frontmatter or top-level
"defaults" apply to every task that leaves a field unset.

Examples:
  taskproof plan import today.md
  taskproof plan import week.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: runPlanImport,
	}

	cmd.Flags().Bool("dry-run", false, "Parse and print the plan without storing it")

	return cmd
}

func runPlanImport(cmd *cobra.Command, args []string) error {
	p, err := plan.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to load plan file: %w", err)
	}
	out := cmd.OutOrStdout()
	printPlan(out, p)

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintln(out, "Dry run: nothing stored")
		return nil
	}

	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		res, err := plan.Import(ctx, a.store, p)
		if err != nil {
			return err
		}
		// Sync keywords into records that are still waiting to start
		for _, e := range p.Entries {
			if e.Verification == nil {
				continue
			}
			if _, err := a.machine.Enable(ctx, e.Task.ID, *e.Verification); err != nil {
				return fmt.Errorf("enable verification for %s: %w", e.Task.ID, err)
			}
		}
		color.New(color.FgGreen).Fprintf(out, "Imported %d tasks (%d with photo verification)\n", res.Tasks, res.Verified)
		return nil
	})
}

func printPlan(w io.Writer, p *plan.Plan) {
	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	title := p.Title
	if title == "" {
		title = "Plan"
	}
	cyan.Fprintf(w, "%s", title)
	if !p.Date.IsZero() {
		fmt.Fprintf(w, " (%s)", p.Date.Format("2006-01-02"))
	}
	fmt.Fprintf(w, ": %d tasks\n", len(p.Entries))

	for _, e := range p.Entries {
		t := e.Task
		fmt.Fprintf(w, "  %-12s %-28s %s  %3dm  %4d gold",
			t.ID, t.Title, t.ScheduledStart.Format("15:04"), t.DurationMinutes, t.GoldReward)
		if e.Verification != nil {
			gray.Fprintf(w, "  [%s | %s]",
				strings.Join(e.Verification.StartKeywords, ","),
				strings.Join(e.Verification.CompletionKeywords, ","))
		}
		fmt.Fprintln(w)
	}
}
