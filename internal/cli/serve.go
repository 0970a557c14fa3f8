package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appLog "qm/internal/log"
	"qm/internal/web"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the webhook server",
		Long: `Run qm as a daemon.

Calendars are discovered, push channels renewed and the cron loop started.
The HTTP server accepts calendar push notifications and serves the status
API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	appLog.Info("qm starting", "listen", a.cfg.Listen)

	a.discover(ctx)
	a.warmFeeds(ctx)
	if a.renewer != nil {
		if _, err := a.renewer.RenewAll(ctx); err != nil {
			appLog.Error("initial channel renewal incomplete", err)
		}
	}

	if err := a.scheduler.Start(); err != nil {
		return err
	}

	srv := web.NewServer(a.cfg, a.store, a.scheduler, a.metrics.Handler())
	serveErr := srv.Run(ctx)
	if serveErr != nil {
		appLog.Error("http server failed", serveErr)
	}

	appLog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.scheduler.Stop(stopCtx); err != nil {
		appLog.Warn("scheduler did not stop cleanly", "err", err.Error())
	}

	appLog.Info("qm exiting")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
