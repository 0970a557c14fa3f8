package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"qm/internal/queues"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [calendar-id...]",
		Short: "Run one reconciliation pass",
		Long: `Reconcile the given calendars once and exit.

Without arguments every known calendar is reconciled. Unknown calendar ids
are added to the store first.

Example:
  qm sync
  qm sync course@group.calendar.google.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runSync(cmd.Context(), a, args, cmd.OutOrStdout())
		},
	}
}

func runSync(ctx context.Context, a *app, ids []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.warmFeeds(ctx)
	if len(ids) == 0 {
		a.discover(ctx)
		results, err := a.scheduler.ReconcileAll(ctx)
		for _, res := range results {
			printResult(out, res)
		}
		return err
	}

	var merr *multierror.Error
	for _, id := range ids {
		cal, _, err := a.store.EnsureCalendar(ctx, id)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("sync %s: %w", id, err))
			continue
		}
		res, err := a.reconciler.Reconcile(ctx, cal)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("sync %s: %w", id, err))
			continue
		}
		printResult(out, res)
	}
	return merr.ErrorOrNil()
}

func printResult(out io.Writer, res queues.Result) {
	fmt.Fprintf(out, "%s: new=%d deleted=%d stale=%d created=%d removed=%d rescheduled=%d skipped=%d failed=%d\n",
		res.Calendar, len(res.Diff.New), len(res.Diff.Deleted), len(res.Diff.Stale),
		res.Created, res.Removed, res.Rescheduled, res.Skipped, len(res.Failures))
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  %s %s (%s): %v\n", f.Op, f.ExternalID, f.Kind, f.Err)
	}
}
