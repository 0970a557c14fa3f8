// Package calendars keeps the set of known calendars and their push channels
// current.
package calendars

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	appLog "qm/internal/log"
	"qm/internal/metrics"
	"qm/internal/model"
	"qm/internal/retry"
)

// Store is the calendar persistence used here.
type Store interface {
	EnsureCalendar(ctx context.Context, externalID string) (model.Calendar, bool, error)
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	UpdateCalendarWebhook(ctx context.Context, id int64, ch model.Channel) error
}

// OwnedLister lists the calendars owned by the account.
type OwnedLister interface {
	OwnedCalendars(ctx context.Context) ([]string, error)
}

// Watcher registers and stops push channels.
type Watcher interface {
	Watch(ctx context.Context, calendarID, channelID string) (model.Channel, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error
}

// Discoverer creates calendar records on first sight.
type Discoverer struct {
	store      Store
	owned      OwnedLister
	configured []string
	policy     *retry.Policy
}

// NewDiscoverer returns a Discoverer for the configured calendar ids. owned
// may be nil to skip account discovery.
func NewDiscoverer(st Store, owned OwnedLister, configured []string, policy *retry.Policy) *Discoverer {
	if policy == nil {
		policy = retry.NewPolicy(nil, 0)
	}
	return &Discoverer{store: st, owned: owned, configured: configured, policy: policy}
}

// Discover ensures a record for every configured and owned calendar and
// returns the newly created ones. Failures for single calendars are
// aggregated; the others are still ensured.
func (d *Discoverer) Discover(ctx context.Context) ([]model.Calendar, error) {
	var errs *multierror.Error

	ids := append([]string(nil), d.configured...)
	if d.owned != nil {
		var owned []string
		err := d.policy.Do(ctx, "list owned calendars", func(ctx context.Context) error {
			var err error
			owned, err = d.owned.OwnedCalendars(ctx)
			return err
		})
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		ids = append(ids, owned...)
	}

	seen := make(map[string]bool, len(ids))
	var created []model.Calendar
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		cal, isNew, err := d.store.EnsureCalendar(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if isNew {
			appLog.Info("calendar discovered", "calendar", id)
			created = append(created, cal)
		}
	}
	return created, errs.ErrorOrNil()
}

// Renewer re-registers push channels that are missing or older than maxAge.
type Renewer struct {
	store   Store
	watcher Watcher
	maxAge  time.Duration
	policy  *retry.Policy
	metrics *metrics.Recorder
	now     func() time.Time
	newID   func() string
}

func NewRenewer(st Store, watcher Watcher, maxAge time.Duration, policy *retry.Policy, rec *metrics.Recorder) *Renewer {
	if policy == nil {
		policy = retry.NewPolicy(nil, 0)
	}
	return &Renewer{
		store:   st,
		watcher: watcher,
		maxAge:  maxAge,
		policy:  policy,
		metrics: rec,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// NeedsRenewal reports whether cal has no channel or an expiring one.
func (r *Renewer) NeedsRenewal(cal model.Calendar) bool {
	if !cal.HasWebhook() {
		return true
	}
	return r.maxAge > 0 && r.now().Sub(cal.WebhookCreatedAt) >= r.maxAge
}

// RenewAll renews every calendar that needs it and returns how many were
// renewed.
func (r *Renewer) RenewAll(ctx context.Context) (int, error) {
	cals, err := r.store.ListCalendars(ctx)
	if err != nil {
		return 0, err
	}

	var (
		errs    *multierror.Error
		renewed int
	)
	for _, cal := range cals {
		if !r.NeedsRenewal(cal) {
			continue
		}
		if _, err := r.Renew(ctx, cal); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		renewed++
	}
	return renewed, errs.ErrorOrNil()
}

// Renew registers a fresh channel for cal, records it and then stops the
// channel it replaces. Stopping is best effort.
func (r *Renewer) Renew(ctx context.Context, cal model.Calendar) (model.Channel, error) {
	channelID := r.newID()

	var ch model.Channel
	err := r.policy.Do(ctx, "watch", func(ctx context.Context) error {
		var err error
		ch, err = r.watcher.Watch(ctx, cal.ExternalID, channelID)
		return err
	})
	if err != nil {
		r.metrics.ChannelRenewed(false)
		appLog.Error("watch failed", err, "calendar", cal.ExternalID, "kind", retry.KindOf(err).String())
		return model.Channel{}, fmt.Errorf("renew %s: %w", cal.ExternalID, err)
	}
	if err := r.store.UpdateCalendarWebhook(ctx, cal.ID, ch); err != nil {
		r.metrics.ChannelRenewed(false)
		return model.Channel{}, fmt.Errorf("renew %s: %w", cal.ExternalID, err)
	}
	r.metrics.ChannelRenewed(true)
	appLog.Info("push channel registered", "calendar", cal.ExternalID, "channel", ch.ID, "expires", ch.Expiration)

	if cal.HasWebhook() && cal.WebhookChannel != ch.ID {
		err := r.policy.Do(ctx, "stop watch", func(ctx context.Context) error {
			return r.watcher.StopWatch(ctx, cal.WebhookChannel, cal.WebhookResourceID)
		})
		if err != nil {
			appLog.Warn("stop superseded channel failed", "calendar", cal.ExternalID, "channel", cal.WebhookChannel, "error", err.Error())
		}
	}
	return ch, nil
}
