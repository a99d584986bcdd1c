package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for taskproof
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskproof",
		Short: "Photo-verified task countdowns with gold rewards",
		Long: `Taskproof verifies that scheduled tasks were really started and finished.

Each task with verification enabled opens a start countdown at its scheduled
time. A start photo must match the task's keywords before the countdown runs
out, and a completion photo must match before the task deadline. Gold is
awarded for on-time starts and early finishes and deducted for timeouts.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: $TASKPROOF_HOME/config.yaml)")
	flags.String("env-file", ".env", "Load environment variables from this file if present")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.String("log-dir", "", "Directory for run logs")
	flags.String("data-dir", "", "Directory holding the task database")
	flags.String("store", "", "Storage backend: sqlite, json, memory")

	// Add subcommands
	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewTasksCommand())
	cmd.AddCommand(NewEnableCommand())
	cmd.AddCommand(NewDisableCommand())
	cmd.AddCommand(NewOpenCommand())
	cmd.AddCommand(NewSubmitCommand())
	cmd.AddCommand(NewCancelCommand())
	cmd.AddCommand(NewRestartCommand())
	cmd.AddCommand(NewBypassCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewLedgerCommand())

	return cmd
}
