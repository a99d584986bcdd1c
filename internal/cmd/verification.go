package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/pipeline"
	"github.com/harrison/taskproof/internal/verify"
)

// withApp builds the app, runs fn and closes the app afterwards
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// NewEnableCommand creates the 'taskproof enable' command
func NewEnableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enable <task-id>",
		Short: "Enable photo verification for a task",
		Long: `Store keyword lists for a task and create its verification record.

Examples:
  taskproof enable run-1 --start shoes,road --completion watch,finish
  taskproof enable desk --start laptop --completion laptop,closed --threshold 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: runEnable,
	}

	cmd.Flags().StringSlice("start", nil, "Keywords the start photo must show")
	cmd.Flags().StringSlice("completion", nil, "Keywords the completion photo must show")
	cmd.Flags().Float64("threshold", 0, "Keyword match fraction required (0 uses the per-phase default)")
	cmd.Flags().Bool("json", false, "Print the status as JSON")

	return cmd
}

func runEnable(cmd *cobra.Command, args []string) error {
	start, _ := cmd.Flags().GetStringSlice("start")
	completion, _ := cmd.Flags().GetStringSlice("completion")
	threshold, _ := cmd.Flags().GetFloat64("threshold")

	cfg := models.VerificationConfig{
		Enabled:            true,
		StartKeywords:      trimKeywords(start),
		CompletionKeywords: trimKeywords(completion),
		MatchThreshold:     threshold,
	}
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		st, err := a.machine.Enable(ctx, args[0], cfg)
		if err != nil {
			return err
		}
		return showStatus(cmd, st)
	})
}

func trimKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// NewDisableCommand creates the 'taskproof disable' command
func NewDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <task-id>",
		Short: "Disable photo verification for a task",
		Long: `Remove a task's verification record. Refused while a photo is being
verified or while ledger entries are still waiting to be written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.machine.Disable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Verification disabled for task %s\n", args[0])
				return nil
			})
		},
	}
}

// statusCommand builds a command that runs one status-returning machine action
func statusCommand(use, short, long string, action func(m *verify.Machine) func(context.Context, string) (*verify.Status, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				st, err := action(a.machine)(ctx, args[0])
				if err != nil {
					return err
				}
				return showStatus(cmd, st)
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print the status as JSON")
	return cmd
}

// NewOpenCommand creates the 'taskproof open' command
func NewOpenCommand() *cobra.Command {
	return statusCommand("open <task-id>",
		"Open the start window before the scheduled start",
		`Start the start countdown now instead of waiting for the scheduled start time.`,
		func(m *verify.Machine) func(context.Context, string) (*verify.Status, error) {
			return m.OpenStartWindow
		})
}

// NewCancelCommand creates the 'taskproof cancel' command
func NewCancelCommand() *cobra.Command {
	return statusCommand("cancel <task-id>",
		"Abandon an in-flight photo verification",
		`Return a task stuck in uploading_start or uploading_complete to its countdown.
The deadline is not extended.`,
		func(m *verify.Machine) func(context.Context, string) (*verify.Status, error) {
			return m.Cancel
		})
}

// NewRestartCommand creates the 'taskproof restart' command
func NewRestartCommand() *cobra.Command {
	return statusCommand("restart <task-id>",
		"Start a new verification cycle for a failed task",
		`Reset a failed task to waiting_start with fresh counters. Gold already
written to the ledger is kept.`,
		func(m *verify.Machine) func(context.Context, string) (*verify.Status, error) {
			return m.Restart
		})
}

// NewSubmitCommand creates the 'taskproof submit' command
func NewSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <task-id> <start|complete>",
		Short: "Submit a proof photo",
		Long: `Compress, upload and score a photo against the task's keywords.

Examples:
  taskproof submit run-1 start --photo shoes.jpg
  taskproof submit run-1 complete --photo watch.jpg --json`,
		Args: cobra.ExactArgs(2),
		RunE: runSubmit,
	}

	cmd.Flags().String("photo", "", "Path to the photo (required)")
	cmd.Flags().Bool("json", false, "Print the outcome as JSON")
	_ = cmd.MarkFlagRequired("photo")

	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	phase, err := models.ParsePhase(args[1])
	if err != nil {
		return err
	}
	photoPath, _ := cmd.Flags().GetString("photo")
	photo, err := readPhotoFile(photoPath)
	if err != nil {
		return err
	}

	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		out, err := a.machine.Submit(ctx, taskID, phase, photo)
		if out != nil {
			if perr := showOutcome(cmd, out); perr != nil {
				return perr
			}
		}
		return err
	})
}

func readPhotoFile(path string) (pipeline.Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Photo{}, fmt.Errorf("read photo: %w", err)
	}
	if len(data) == 0 {
		return pipeline.Photo{}, fmt.Errorf("photo %s is empty", path)
	}
	p := pipeline.Photo{Name: filepath.Base(path), Data: data}
	p.ContentType = p.DetectContentType()
	return p, nil
}

// NewBypassCommand creates the 'taskproof bypass' command
func NewBypassCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bypass <task-id> <start|complete>",
		Short: "Start or complete a task that has no photo verification",
		Long: `Move a task without verification straight to in_progress or completed.
Completing awards the task's gold reward once.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := models.ParsePhase(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				action := a.machine.StartTask
				if phase == models.PhaseCompletion {
					action = a.machine.CompleteTask
				}
				out, err := action(ctx, args[0])
				if err != nil {
					return err
				}
				return showOutcome(cmd, out)
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print the outcome as JSON")
	return cmd
}

func showStatus(cmd *cobra.Command, st *verify.Status) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func showOutcome(cmd *cobra.Command, out *verify.Outcome) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}
