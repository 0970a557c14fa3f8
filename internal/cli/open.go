package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// OpenOptions holds flags for the open command.
type OpenOptions struct {
	*RootOptions
	At string
}

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OpenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the queues due now",
		Long: `Run one opener pass and exit.

--at replays the pass for another minute, e.g. after downtime:
  qm open --at 2026-10-16T10:30:00+03:00`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAt(opts.At)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runOpen(cmd.Context(), a, at, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "open as of this RFC3339 time instead of now")

	return cmd
}

func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", s, err)
	}
	return at, nil
}

func runOpen(ctx context.Context, a *app, at time.Time, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := a.opener.OpenDue(ctx, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "open_at=%s due=%d opened=%d failed=%d\n",
		time.Unix(res.OpenAt, 0).In(a.cfg.Location()).Format(time.RFC3339), res.Due, res.Opened, len(res.Failures))
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  %s (%s): %v\n", f.ExternalID, f.Kind, f.Err)
	}
	return nil
}
