package ics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"qm/internal/config"
	appLog "qm/internal/log"
	"qm/internal/model"
	"qm/internal/retry"
)

// Source serves read-only calendars backed by ICS feeds. Calendars are
// addressed by their configured id.
type Source struct {
	fetcher   *Fetcher
	calendars map[string]config.CalendarConfig
	horizon   time.Duration
	now       func() time.Time
}

func NewSource(fetcher *Fetcher, calendars []config.CalendarConfig, horizonDays int, now func() time.Time) *Source {
	if now == nil {
		now = time.Now
	}
	byID := make(map[string]config.CalendarConfig, len(calendars))
	for _, cal := range calendars {
		byID[cal.ID] = cal
	}
	return &Source{
		fetcher:   fetcher,
		calendars: byID,
		horizon:   time.Duration(horizonDays) * 24 * time.Hour,
		now:       now,
	}
}

func (s *Source) calendar(calendarID string) (config.CalendarConfig, error) {
	cal, ok := s.calendars[calendarID]
	if !ok {
		return config.CalendarConfig{}, retry.NotFound(fmt.Errorf("ics calendar %q is not configured", calendarID))
	}
	return cal, nil
}

// ListEvents returns the feed's event instances that have not ended before
// the current minute and start within the horizon.
func (s *Source) ListEvents(ctx context.Context, calendarID string) ([]model.ExternalEvent, error) {
	cal, err := s.calendar(calendarID)
	if err != nil {
		return nil, err
	}

	res, err := s.fetcher.Fetch(ctx, Feed{CalendarID: cal.ID, URL: cal.URL})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cal.ID, err)
	}
	parsed, err := Parse(cal.ID, res.Body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse %s: %w", cal.ID, err))
	}

	// Events starting in the current minute stay listed while the opener
	// handles that minute.
	now := s.now().Truncate(time.Minute)
	events, err := Expand(parsed, ExpandConfig{RangeStart: now, RangeEnd: now.Add(s.horizon)})
	if err != nil {
		return nil, retry.Permanent(err)
	}
	appLog.Debug("ics events listed", "calendar", cal.ID, "vevents", len(parsed), "instances", len(events), "from_cache", res.FromCache)
	return events, nil
}

// ListEditors returns the editors configured for the calendar.
func (s *Source) ListEditors(_ context.Context, calendarID string) ([]string, error) {
	cal, err := s.calendar(calendarID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), cal.Editors...), nil
}

// AttachLinks is a no-op: feeds are read-only.
func (s *Source) AttachLinks(_ context.Context, calendarID, eventID string, links []model.Link) error {
	appLog.Debug("ics feed is read-only, links not attached", "calendar", calendarID, "event_id", eventID, "links", len(links))
	return nil
}

// Warm fetches every configured feed once so the disk cache is filled before
// the first pass, and checks that each body parses. It returns the number of
// usable feeds; failures are aggregated.
func (s *Source) Warm(ctx context.Context) (int, error) {
	feeds := make([]Feed, 0, len(s.calendars))
	for _, cal := range s.calendars {
		feeds = append(feeds, Feed{CalendarID: cal.ID, URL: cal.URL})
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].CalendarID < feeds[j].CalendarID })

	results, err := s.fetcher.FetchAll(ctx, feeds)
	var errs *multierror.Error
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	usable := 0
	for _, res := range results {
		if _, err := Parse(res.Feed.CalendarID, res.Body); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("parse %s: %w", res.Feed.CalendarID, err))
			continue
		}
		usable++
	}
	appLog.Info("ics feeds warmed", "feeds", len(feeds), "usable", usable)
	return usable, errs.ErrorOrNil()
}
