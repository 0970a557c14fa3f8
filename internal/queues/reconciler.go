// Package queues keeps persisted event queues in line with an external
// calendar and opens them when their scheduled time arrives.
package queues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "qm/internal/log"
	"qm/internal/metrics"
	"qm/internal/model"
	"qm/internal/retry"
	"qm/internal/store"
)

// EventSource reads a calendar and writes links back onto its events.
// ListEvents must drain every page before returning.
type EventSource interface {
	ListEvents(ctx context.Context, calendarID string) ([]model.ExternalEvent, error)
	ListEditors(ctx context.Context, calendarID string) ([]string, error)
	AttachLinks(ctx context.Context, calendarID, eventID string, links []model.Link) error
}

// ArtifactService provisions and opens the artifact behind a queue.
type ArtifactService interface {
	Provision(ctx context.Context, name string, editors []string, prompt string) (model.Artifact, error)
	Open(ctx context.Context, artifactID string) error
}

// Store is the persistence used by the reconciler and the opener.
type Store interface {
	GetCalendar(ctx context.Context, externalID string) (model.Calendar, error)
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	ListEvents(ctx context.Context, calendarID int64) ([]model.Event, error)
	GetEvent(ctx context.Context, externalID string) (model.Event, error)
	CreateEvent(ctx context.Context, ev model.Event) (model.Event, error)
	UpdateEvent(ctx context.Context, id int64, upd model.EventUpdate) (bool, error)
	DeleteEvent(ctx context.Context, externalID string) error
	ListDueEvents(ctx context.Context, openAt int64, policy model.OpenPolicy) ([]model.Event, error)
}

// Handler operations, used as log and metric labels.
const (
	OpNew     = "new"
	OpDeleted = "deleted"
	OpStale   = "stale"
	OpOpen    = "open"
)

const defaultMaxConcurrency = 16

// Options tune a Reconciler or an Opener. Zero values are replaced by
// defaults.
type Options struct {
	// Prompt is the question asked by provisioned artifacts.
	Prompt string
	// FreshnessWindow gates open_at updates of stale events. Zero means the
	// external event must have been modified on the current calendar day in
	// Location.
	FreshnessWindow time.Duration
	Location        *time.Location
	// MaxConcurrency bounds the handlers of one fan-out.
	MaxConcurrency int
	// OpenPolicy selects the events the Opener considers due.
	OpenPolicy model.OpenPolicy

	Policy  *retry.Policy
	Metrics *metrics.Recorder
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Prompt == "" {
		o.Prompt = "Name"
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaultMaxConcurrency
	}
	if !o.OpenPolicy.Valid() {
		o.OpenPolicy = model.OpenExact
	}
	if o.Policy == nil {
		o.Policy = retry.NewPolicy(nil, 0)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Failure is one per-event handler error.
type Failure struct {
	ExternalID string
	Op         string
	Kind       string
	Err        error
}

// Result summarizes one reconciliation pass.
type Result struct {
	Calendar string
	Diff     Diff

	Created     int
	Removed     int
	Rescheduled int
	Skipped     int

	Failures []Failure
}

// Reconciler diffs a calendar's external events against the store and fans
// out the create, delete and reschedule work. It holds no locks: concurrent
// passes for one calendar converge through the store's unique external id and
// its opened guard.
type Reconciler struct {
	source    EventSource
	artifacts ArtifactService
	store     Store
	opts      Options
}

func NewReconciler(source EventSource, artifacts ArtifactService, st Store, opts Options) *Reconciler {
	return &Reconciler{
		source:    source,
		artifacts: artifacts,
		store:     st,
		opts:      opts.withDefaults(),
	}
}

// ReconcileByID runs a pass for the calendar with the given external id.
func (r *Reconciler) ReconcileByID(ctx context.Context, externalID string) (Result, error) {
	cal, err := r.store.GetCalendar(ctx, externalID)
	if err != nil {
		return Result{Calendar: externalID}, err
	}
	return r.Reconcile(ctx, cal)
}

// Reconcile runs one pass for cal. An error means the pass could not diff;
// per-event failures are reported in Result and do not fail the pass.
func (r *Reconciler) Reconcile(ctx context.Context, cal model.Calendar) (Result, error) {
	started := r.opts.Now()
	res, err := r.reconcile(ctx, cal)
	r.opts.Metrics.PassFinished(r.opts.Now().Sub(started), err != nil)
	if err != nil {
		appLog.Error("reconcile pass failed", err, "calendar", cal.ExternalID, "kind", failureKind(err))
		return res, err
	}

	appLog.Info("reconcile pass completed",
		"calendar", cal.ExternalID,
		"new", len(res.Diff.New),
		"deleted", len(res.Diff.Deleted),
		"stale", len(res.Diff.Stale),
		"created", res.Created,
		"removed", res.Removed,
		"rescheduled", res.Rescheduled,
		"failed", len(res.Failures),
	)
	return res, nil
}

type outcome struct {
	op     string
	id     string
	result string
	err    error
}

func (r *Reconciler) reconcile(ctx context.Context, cal model.Calendar) (Result, error) {
	res := Result{Calendar: cal.ExternalID}

	var external []model.ExternalEvent
	err := r.opts.Policy.Do(ctx, "list events", func(ctx context.Context) error {
		var err error
		external, err = r.source.ListEvents(ctx, cal.ExternalID)
		return err
	})
	if err != nil {
		return res, err
	}

	local, err := r.store.ListEvents(ctx, cal.ID)
	if err != nil {
		return res, fmt.Errorf("list stored events: %w", err)
	}

	byID := make(map[string]model.ExternalEvent, len(external))
	externalIDs := make([]string, 0, len(external))
	for _, ev := range external {
		if _, dup := byID[ev.ID]; dup {
			appLog.Warn("duplicate external event id", "calendar", cal.ExternalID, "event_id", ev.ID)
			continue
		}
		byID[ev.ID] = ev
		externalIDs = append(externalIDs, ev.ID)
	}
	localIDs := make([]string, 0, len(local))
	for _, ev := range local {
		localIDs = append(localIDs, ev.ExternalID)
	}

	res.Diff = ComputeDiff(externalIDs, localIDs)
	if res.Diff.Empty() {
		return res, nil
	}

	outcomes := make([]outcome, len(res.Diff.New)+len(res.Diff.Deleted)+len(res.Diff.Stale))
	now := r.opts.Now()

	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxConcurrency)

	slot := 0
	for _, id := range res.Diff.New {
		i, ev := slot, byID[id]
		slot++
		g.Go(func() error {
			outcomes[i] = r.handleNew(ctx, cal, ev)
			return nil
		})
	}
	for _, id := range res.Diff.Deleted {
		i, id := slot, id
		slot++
		g.Go(func() error {
			outcomes[i] = r.handleDeleted(ctx, id)
			return nil
		})
	}
	for _, id := range res.Diff.Stale {
		i, ev := slot, byID[id]
		slot++
		g.Go(func() error {
			outcomes[i] = r.handleStale(ctx, ev, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			kind := failureKind(o.err)
			res.Failures = append(res.Failures, Failure{ExternalID: o.id, Op: o.op, Kind: kind, Err: o.err})
			r.opts.Metrics.EventFailed(o.op, kind)
			appLog.Error("reconcile event failed", o.err, "calendar", cal.ExternalID, "event_id", o.id, "op", o.op, "kind", kind)
			continue
		}
		r.opts.Metrics.EventHandled(o.op, o.result)
		switch o.result {
		case "created":
			res.Created++
		case "removed":
			res.Removed++
		case "rescheduled":
			res.Rescheduled++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// handleNew provisions an artifact, attaches its links and only then persists
// the event, so a failure anywhere leaves no record and the id stays new.
func (r *Reconciler) handleNew(ctx context.Context, cal model.Calendar, ev model.ExternalEvent) outcome {
	out := outcome{op: OpNew, id: ev.ID}

	if stored, err := r.store.GetEvent(ctx, ev.ID); err == nil {
		if stored.CalendarID != cal.ID {
			// External ids are unique across calendars; this id stays new
			// here until the other calendar drops it.
			appLog.Warn("event id stored under another calendar", "calendar", cal.ExternalID, "event_id", ev.ID, "stored_calendar_id", stored.CalendarID)
			out.result = "foreign"
			return out
		}
		out.result = "exists"
		return out
	} else if !errors.Is(err, store.ErrNotFound) {
		out.err = err
		return out
	}

	var editors []string
	err := r.opts.Policy.Do(ctx, "list editors", func(ctx context.Context) error {
		var err error
		editors, err = r.source.ListEditors(ctx, cal.ExternalID)
		return err
	})
	if err != nil {
		out.err = err
		return out
	}

	var art model.Artifact
	err = r.opts.Policy.Do(ctx, "provision artifact", func(ctx context.Context) error {
		var err error
		art, err = r.artifacts.Provision(ctx, ev.Name, editors, r.opts.Prompt)
		return err
	})
	if err != nil {
		out.err = err
		return out
	}

	err = r.opts.Policy.Do(ctx, "attach links", func(ctx context.Context) error {
		return r.source.AttachLinks(ctx, cal.ExternalID, ev.ID, art.Links)
	})
	if err != nil {
		out.err = err
		return out
	}

	_, err = r.store.CreateEvent(ctx, model.Event{
		ExternalID: ev.ID,
		CalendarID: cal.ID,
		OpenAt:     ev.OpenAt(),
		Created:    true,
		Opened:     false,
		ArtifactID: art.ID,
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		// A concurrent pass stored it first; this artifact stays orphaned.
		appLog.Warn("event stored by a concurrent pass", "calendar", cal.ExternalID, "event_id", ev.ID, "artifact_id", art.ID)
		out.result = "orphaned"
	case err != nil:
		out.err = err
	default:
		appLog.Debug("queue created", "calendar", cal.ExternalID, "event_id", ev.ID, "artifact_id", art.ID, "open_at", ev.OpenAt())
		out.result = "created"
	}
	return out
}

// handleDeleted drops the stored event, opened or not. The artifact is left
// in place.
func (r *Reconciler) handleDeleted(ctx context.Context, externalID string) outcome {
	out := outcome{op: OpDeleted, id: externalID}
	err := r.store.DeleteEvent(ctx, externalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		out.result = "missing"
	case err != nil:
		out.err = err
	default:
		out.result = "removed"
	}
	return out
}

// handleStale moves open_at of an unopened event when the external event was
// modified within the freshness window.
func (r *Reconciler) handleStale(ctx context.Context, ev model.ExternalEvent, now time.Time) outcome {
	out := outcome{op: OpStale, id: ev.ID}

	stored, err := r.store.GetEvent(ctx, ev.ID)
	if errors.Is(err, store.ErrNotFound) {
		out.result = "missing"
		return out
	}
	if err != nil {
		out.err = err
		return out
	}
	if stored.Opened {
		out.result = "opened"
		return out
	}
	if !r.fresh(ev.LastModified, now) {
		out.result = "not_fresh"
		return out
	}

	openAt := ev.OpenAt()
	if openAt == stored.OpenAt {
		out.result = "unchanged"
		return out
	}

	updated, err := r.store.UpdateEvent(ctx, stored.ID, model.EventUpdate{OpenAt: &openAt})
	switch {
	case err != nil:
		out.err = err
	case !updated:
		// Opened or removed since the read.
		out.result = "opened"
	default:
		appLog.Debug("queue rescheduled", "event_id", ev.ID, "from", stored.OpenAt, "to", openAt)
		out.result = "rescheduled"
	}
	return out
}

func (r *Reconciler) fresh(modified, now time.Time) bool {
	if modified.IsZero() {
		return false
	}
	if r.opts.FreshnessWindow > 0 {
		return !modified.Before(now.Add(-r.opts.FreshnessWindow))
	}
	my, mm, md := modified.In(r.opts.Location).Date()
	ny, nm, nd := now.In(r.opts.Location).Date()
	return my == ny && mm == nm && md == nd
}

// failureKind labels err for logs and metrics.
func failureKind(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return retry.KindNotFound.String()
	}
	return retry.KindOf(err).String()
}
