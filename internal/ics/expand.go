package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "qm/internal/log"
	"qm/internal/model"
)

const (
	defaultMaxInstancesPerEvent = 5000

	instanceIDLayout = "20060102T150405Z"
)

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// An instance is kept while it runs into [RangeStart, RangeEnd]: it
	// starts no later than RangeEnd and ends no earlier than RangeStart.
	// Instances without DTEND end at their start.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxInstancesPerEvent caps one series. Zero means the default.
	MaxInstancesPerEvent int
}

// Expand turns parsed VEVENTs into concrete external events overlapping the
// configured range. Recurring series produce one event per instance with
// id UID_YYYYMMDDTHHMMSSZ. All-day and cancelled events are dropped.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]model.ExternalEvent, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: range end is before range start")
	}
	if cfg.MaxInstancesPerEvent <= 0 {
		cfg.MaxInstancesPerEvent = defaultMaxInstancesPerEvent
	}

	bases := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else {
			bases[ev.UID] = append(bases[ev.UID], ev)
		}
	}

	out := make([]model.ExternalEvent, 0)
	for uid, evs := range bases {
		for _, ev := range evs {
			if ev.AllDay {
				continue
			}
			if ev.RawRRule == "" {
				if ev.Cancelled || !inRange(ev.Start, ev.Duration, cfg) {
					continue
				}
				out = append(out, toExternal(ev.UID, ev, ev.Start))
				continue
			}
			out = append(out, expandSeries(ev, overrides[uid], cfg)...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func expandSeries(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.ExternalEvent {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	starts := set.Between(cfg.RangeStart.Add(-ev.Duration).In(loc), cfg.RangeEnd.In(loc), true)
	if len(starts) > cfg.MaxInstancesPerEvent {
		appLog.Warn("expand: series truncated", "uid", ev.UID, "cap", cfg.MaxInstancesPerEvent)
		starts = starts[:cfg.MaxInstancesPerEvent]
	}

	out := make([]model.ExternalEvent, 0, len(starts))
	for _, start := range starts {
		id := instanceID(ev.UID, start)
		if o, ok := findOverride(overrides, start); ok {
			if o.Cancelled || o.AllDay || !inRange(o.Start, o.Duration, cfg) {
				continue
			}
			out = append(out, toExternal(id, o, o.Start))
			continue
		}
		out = append(out, toExternal(id, ev, start))
	}
	return out
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

func instanceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format(instanceIDLayout)
}

func inRange(start time.Time, d time.Duration, cfg ExpandConfig) bool {
	return !start.Add(d).Before(cfg.RangeStart) && !start.After(cfg.RangeEnd)
}

func toExternal(id string, ev ParsedEvent, start time.Time) model.ExternalEvent {
	return model.ExternalEvent{
		ID:           id,
		Name:         ev.Summary,
		Start:        start,
		LastModified: ev.Modified,
	}
}
