package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Force bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register or renew calendar push channels",
		Long: `Register push channels for calendars that have none or whose channel is
older than google.channel_max_age. --force renews every channel.

Requires google.webhook_url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runWatch(cmd.Context(), a, opts.Force, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "renew every channel regardless of age")

	return cmd
}

func runWatch(ctx context.Context, a *app, force bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.renewer == nil {
		return errors.New("push channels need source google and google.webhook_url")
	}
	a.discover(ctx)

	if !force {
		n, err := a.renewer.RenewAll(ctx)
		fmt.Fprintf(out, "renewed %d channel(s)\n", n)
		return err
	}

	cals, err := a.store.ListCalendars(ctx)
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, cal := range cals {
		ch, err := a.renewer.Renew(ctx, cal)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		fmt.Fprintf(out, "%s: channel %s\n", cal.ExternalID, ch.ID)
	}
	return merr.ErrorOrNil()
}
