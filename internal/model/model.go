package model

import "time"

// Calendar is a persisted external calendar whose events are mirrored into
// queues.
type Calendar struct {
	ID         int64  // local surrogate id
	ExternalID string // calendar id at the provider, unique

	// Push channel metadata. Empty when no channel is registered.
	WebhookChannel    string
	WebhookResourceID string
	WebhookCreatedAt  time.Time
}

// HasWebhook reports whether a push channel is recorded for the calendar.
func (c Calendar) HasWebhook() bool {
	return c.WebhookChannel != ""
}

// Event is a persisted queue: one external event with its provisioned artifact.
//
// ExternalID is unique across all calendars, not just within one.
type Event struct {
	ID         int64
	ExternalID string
	CalendarID int64

	// OpenAt is the scheduled open time in epoch seconds (UTC), aligned to
	// a minute boundary.
	OpenAt int64

	Created    bool // artifact provisioned
	Opened     bool // artifact made visible; set once
	ArtifactID string
}

// OpenTime returns OpenAt as a time.Time in UTC.
func (e Event) OpenTime() time.Time {
	return time.Unix(e.OpenAt, 0).UTC()
}

// EventUpdate lists the mutable fields of an Event. Nil fields are left as is.
type EventUpdate struct {
	OpenAt *int64
	Opened *bool
}

// ExternalEvent is a validated event read from an event source.
type ExternalEvent struct {
	ID           string
	Name         string
	Start        time.Time
	LastModified time.Time
}

// OpenAt derives the scheduled open time for the event.
func (e ExternalEvent) OpenAt() int64 {
	return OpenAtFor(e.Start)
}

// OpenAtFor truncates t to the minute and returns it as epoch seconds (UTC).
func OpenAtFor(t time.Time) int64 {
	return t.UTC().Truncate(time.Minute).Unix()
}

// Link is a titled resource URL attached to an external event.
type Link struct {
	Title string
	URL   string
}

// Artifact is a provisioned form tied to one event.
type Artifact struct {
	ID    string
	Links []Link
}

// Channel is a registered push-notification channel for a calendar.
type Channel struct {
	ID         string
	ResourceID string
	CreatedAt  time.Time
	Expiration time.Time
}

// OpenPolicy selects which events the queue opener considers due.
type OpenPolicy string

const (
	// OpenExact matches events whose OpenAt equals the tick time.
	OpenExact OpenPolicy = "exact"
	// OpenDue matches every unopened event whose OpenAt is at or before the
	// tick time.
	OpenDue OpenPolicy = "due"
)

// Valid reports whether p is a known policy.
func (p OpenPolicy) Valid() bool {
	return p == OpenExact || p == OpenDue
}
