package ics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qm/internal/config"
	"qm/internal/retry"
)

const testFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//qm//test//EN
BEGIN:VEVENT
UID:single-1
DTSTAMP:20261001T080000Z
LAST-MODIFIED:20261015T120000Z
DTSTART:20261017T103000Z
DTEND:20261017T120000Z
SUMMARY:Lab 1
END:VEVENT
BEGIN:VEVENT
UID:stamp-only
DTSTAMP:20261010T080000Z
DTSTART:20261018T090000Z
SUMMARY:Lab 2
END:VEVENT
BEGIN:VEVENT
UID:allday
DTSTAMP:20261010T080000Z
DTSTART;VALUE=DATE:20261019
SUMMARY:Holiday
END:VEVENT
BEGIN:VEVENT
UID:weekly
DTSTAMP:20261001T080000Z
DTSTART:20261016T150000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20261023T150000Z
SUMMARY:Seminar
END:VEVENT
BEGIN:VEVENT
UID:weekly
RECURRENCE-ID:20261030T150000Z
DTSTAMP:20261012T080000Z
DTSTART:20261030T160000Z
SUMMARY:Seminar (moved)
END:VEVENT
BEGIN:VEVENT
UID:past
DTSTAMP:20261001T080000Z
DTSTART:20261001T090000Z
SUMMARY:Old
END:VEVENT
BEGIN:VEVENT
SUMMARY:No uid
DTSTAMP:20261001T080000Z
DTSTART:20261020T090000Z
END:VEVENT
END:VCALENDAR
`

var baseNow = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	events, err := Parse("cal", []byte(testFeed))
	require.NoError(t, err)
	require.Len(t, events, 6)

	byUID := map[string]ParsedEvent{}
	for _, ev := range events {
		if !ev.IsOverride() {
			byUID[ev.UID] = ev
		}
	}

	single := byUID["single-1"]
	assert.Equal(t, "Lab 1", single.Summary)
	assert.True(t, single.Start.Equal(time.Date(2026, 10, 17, 10, 30, 0, 0, time.UTC)))
	assert.True(t, single.Modified.Equal(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 90*time.Minute, single.Duration)
	assert.Zero(t, byUID["stamp-only"].Duration)

	assert.True(t, byUID["stamp-only"].Modified.Equal(time.Date(2026, 10, 10, 8, 0, 0, 0, time.UTC)))
	assert.True(t, byUID["allday"].AllDay)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", byUID["weekly"].RawRRule)
	assert.Len(t, byUID["weekly"].ExDates, 1)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("cal", nil)
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	parsed, err := Parse("cal", []byte(testFeed))
	require.NoError(t, err)

	events, err := Expand(parsed, ExpandConfig{RangeStart: baseNow, RangeEnd: baseNow.Add(30 * 24 * time.Hour)})
	require.NoError(t, err)

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{
		"weekly_20261016T150000Z",
		"single-1",
		"stamp-only",
		"weekly_20261030T150000Z",
		"weekly_20261106T150000Z",
	}, ids)

	moved := events[3]
	assert.Equal(t, "Seminar (moved)", moved.Name)
	assert.True(t, moved.Start.Equal(time.Date(2026, 10, 30, 16, 0, 0, 0, time.UTC)))
	assert.True(t, moved.LastModified.Equal(time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)))
}

func expandIDs(t *testing.T, feed string, start, end time.Time) []string {
	t.Helper()
	parsed, err := Parse("cal", []byte(feed))
	require.NoError(t, err)
	events, err := Expand(parsed, ExpandConfig{RangeStart: start, RangeEnd: end})
	require.NoError(t, err)
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func TestExpand_KeepsEventsInProgress(t *testing.T) {
	justStarted := time.Date(2026, 10, 17, 10, 30, 0, 50_000_000, time.UTC)
	assert.Equal(t, []string{"single-1", "stamp-only"},
		expandIDs(t, testFeed, justStarted, justStarted.Add(24*time.Hour)))

	ended := time.Date(2026, 10, 17, 12, 0, 1, 0, time.UTC)
	assert.Equal(t, []string{"stamp-only"},
		expandIDs(t, testFeed, ended, ended.Add(24*time.Hour)))
}

const lectureFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//qm//test//EN
BEGIN:VEVENT
UID:lecture
DTSTAMP:20261001T080000Z
DTSTART:20261016T150000Z
DTEND:20261016T163000Z
RRULE:FREQ=WEEKLY;COUNT=2
SUMMARY:Lecture
END:VEVENT
END:VCALENDAR
`

func TestExpand_KeepsSeriesInstanceInProgress(t *testing.T) {
	during := time.Date(2026, 10, 16, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"lecture_20261016T150000Z", "lecture_20261023T150000Z"},
		expandIDs(t, lectureFeed, during, during.Add(30*24*time.Hour)))

	after := time.Date(2026, 10, 16, 16, 31, 0, 0, time.UTC)
	assert.Equal(t, []string{"lecture_20261023T150000Z"},
		expandIDs(t, lectureFeed, after, after.Add(30*24*time.Hour)))
}

func TestExpand_RejectsInvertedRange(t *testing.T) {
	_, err := Expand(nil, ExpandConfig{RangeStart: baseNow, RangeEnd: baseNow.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestFetch_UsesCacheOnNotModified(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, testFeed)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), t.TempDir())
	feed := Feed{CalendarID: "cal", URL: srv.URL + "/private.ics"}

	first, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetchAll_AggregatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.ics" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, testFeed)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), t.TempDir())
	results, err := f.FetchAll(context.Background(), []Feed{
		{CalendarID: "ok", URL: srv.URL + "/ok.ics"},
		{CalendarID: "missing", URL: srv.URL + "/missing.ics"},
		{CalendarID: "nourl"},
	})
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Feed.CalendarID)
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "nourl")
}

func TestSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testFeed)
	}))
	defer srv.Close()

	src := NewSource(NewFetcher(srv.Client(), t.TempDir()), []config.CalendarConfig{
		{ID: "course", URL: srv.URL + "/course.ics", Editors: []string{"ta@example.com"}},
	}, 30, func() time.Time { return baseNow })

	events, err := src.ListEvents(context.Background(), "course")
	require.NoError(t, err)
	assert.Len(t, events, 5)

	editors, err := src.ListEditors(context.Background(), "course")
	require.NoError(t, err)
	assert.Equal(t, []string{"ta@example.com"}, editors)

	assert.NoError(t, src.AttachLinks(context.Background(), "course", "single-1", nil))

	_, err = src.ListEvents(context.Background(), "unknown")
	assert.Equal(t, retry.KindNotFound, retry.KindOf(err))
}

func TestSource_Warm(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/broken.ics":
			w.WriteHeader(http.StatusOK)
		case "/gone.ics":
			http.NotFound(w, r)
		default:
			fmt.Fprint(w, testFeed)
		}
	}))
	defer srv.Close()

	src := NewSource(NewFetcher(srv.Client(), t.TempDir()), []config.CalendarConfig{
		{ID: "course", URL: srv.URL + "/course.ics"},
		{ID: "broken", URL: srv.URL + "/broken.ics"},
		{ID: "gone", URL: srv.URL + "/gone.ics"},
	}, 30, func() time.Time { return baseNow })

	usable, err := src.Warm(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, usable)
	assert.Contains(t, err.Error(), "gone")
	assert.Contains(t, err.Error(), "broken")
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestSource_ListsEventAtItsOpenMinute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testFeed)
	}))
	defer srv.Close()

	// stamp-only has no DTEND; the tick for its minute fires a little late.
	tick := time.Date(2026, 10, 18, 9, 0, 0, 50_000_000, time.UTC)
	src := NewSource(NewFetcher(srv.Client(), t.TempDir()), []config.CalendarConfig{
		{ID: "course", URL: srv.URL + "/course.ics"},
	}, 30, func() time.Time { return tick })

	events, err := src.ListEvents(context.Background(), "course")
	require.NoError(t, err)
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	assert.Contains(t, ids, "stamp-only")
	assert.NotContains(t, ids, "single-1")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/secret/token.ics?k=v"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
