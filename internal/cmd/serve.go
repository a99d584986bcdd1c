package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/taskproof/internal/api"
)

// NewServeCommand creates the 'taskproof serve' command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the verification engine and HTTP API",
		Long: `Recover persisted verification records, drive every countdown from a
deadline scheduler with a periodic fallback sweep, and serve the HTTP API.

Examples:
  taskproof serve
  taskproof serve --listen :8787 --cors-origin https://app.example.com`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "Address for the HTTP API (default from config)")
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origins (default: localhost:3000)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd, appOptions{scheduled: true, fileLog: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.machine.Recover(ctx); err != nil {
		return fmt.Errorf("recover verification records: %w", err)
	}

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- a.sched.Run(ctx, a.machine.Tick)
	}()
	if err := a.sched.StartFallback(ctx, a.cfg.Verification.FallbackSweep, a.machine.Sweep); err != nil {
		return err
	}

	origins, _ := cmd.Flags().GetStringSlice("cors-origin")
	srv := api.NewServer(a.machine, a.ledger, a.log, origins...)
	if err := srv.Start(ctx, a.cfg.ListenAddr); err != nil {
		return fmt.Errorf("serve API: %w", err)
	}

	stop()
	if err := <-schedErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Infof("taskproof stopped")
	return nil
}
