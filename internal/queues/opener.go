package queues

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "qm/internal/log"
	"qm/internal/model"
	"qm/internal/store"
)

// OpenResult summarizes one opener pass.
type OpenResult struct {
	OpenAt   int64
	Due      int
	Opened   int
	Failures []Failure
}

// Opener opens the artifacts of due queues and marks them opened.
type Opener struct {
	artifacts ArtifactService
	store     Store
	opts      Options
}

func NewOpener(artifacts ArtifactService, st Store, opts Options) *Opener {
	return &Opener{
		artifacts: artifacts,
		store:     st,
		opts:      opts.withDefaults(),
	}
}

// OpenDue opens every unopened event due at now, truncated to the minute.
// With the exact policy only events scheduled for that very minute match, so
// an open that fails is not retried once the minute has passed; the due
// policy picks it up again on the next pass.
func (o *Opener) OpenDue(ctx context.Context, now time.Time) (OpenResult, error) {
	res := OpenResult{OpenAt: model.OpenAtFor(now)}

	due, err := o.store.ListDueEvents(ctx, res.OpenAt, o.opts.OpenPolicy)
	if err != nil {
		return res, err
	}
	res.Due = len(due)
	if len(due) == 0 {
		return res, nil
	}

	outcomes := make([]outcome, len(due))
	g := new(errgroup.Group)
	g.SetLimit(o.opts.MaxConcurrency)
	for i, ev := range due {
		i, ev := i, ev
		g.Go(func() error {
			outcomes[i] = o.open(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.err != nil {
			kind := failureKind(out.err)
			res.Failures = append(res.Failures, Failure{ExternalID: out.id, Op: OpOpen, Kind: kind, Err: out.err})
			o.opts.Metrics.OpenFailed(kind)
			appLog.Error("open queue failed", out.err, "event_id", out.id, "op", OpOpen, "kind", kind)
			continue
		}
		if out.result == "opened" {
			res.Opened++
			o.opts.Metrics.QueueOpened()
		}
	}

	appLog.Info("open pass completed", "open_at", res.OpenAt, "policy", string(o.opts.OpenPolicy), "due", res.Due, "opened", res.Opened, "failed", len(res.Failures))
	return res, nil
}

// open re-reads the event and checks the opened flag before calling the
// artifact service, so an event already opened by another pass is not
// opened again.
func (o *Opener) open(ctx context.Context, ev model.Event) outcome {
	out := outcome{op: OpOpen, id: ev.ExternalID}

	current, err := o.store.GetEvent(ctx, ev.ExternalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		out.result = "missing"
		return out
	case err != nil:
		out.err = err
		return out
	case current.Opened:
		out.result = "already_opened"
		return out
	}

	err = o.opts.Policy.Do(ctx, "open artifact", func(ctx context.Context) error {
		return o.artifacts.Open(ctx, current.ArtifactID)
	})
	if err != nil {
		out.err = err
		return out
	}

	opened := true
	updated, err := o.store.UpdateEvent(ctx, current.ID, model.EventUpdate{Opened: &opened})
	switch {
	case err != nil:
		out.err = err
	case !updated:
		out.result = "already_opened"
	default:
		appLog.Info("queue opened", "event_id", current.ExternalID, "artifact_id", current.ArtifactID)
		out.result = "opened"
	}
	return out
}
