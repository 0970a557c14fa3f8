package gcal

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// API is the slice of the Google Calendar API the client needs. Tests
// substitute a mock; production uses LowLevelAPI.
type API interface {
	ListEvents(ctx context.Context, calendarID string, timeMin time.Time, page func(*calendar.Events) error) error
	ListACL(ctx context.Context, calendarID string, page func(*calendar.Acl) error) error
	ListCalendars(ctx context.Context, page func(*calendar.CalendarList) error) error
	PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) error
	Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error)
	StopChannel(ctx context.Context, ch *calendar.Channel) error
}

// LowLevelAPI calls the Google Calendar v3 service.
type LowLevelAPI struct {
	service *calendar.Service
}

// NewLowLevelAPI creates a calendar service that authorizes with client.
func NewLowLevelAPI(ctx context.Context, client *http.Client) (*LowLevelAPI, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	return &LowLevelAPI{service: service}, nil
}

func (a *LowLevelAPI) ListEvents(ctx context.Context, calendarID string, timeMin time.Time, page func(*calendar.Events) error) error {
	return a.service.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin.UTC().Format(time.RFC3339)).
		Pages(ctx, page)
}

func (a *LowLevelAPI) ListACL(ctx context.Context, calendarID string, page func(*calendar.Acl) error) error {
	return a.service.Acl.List(calendarID).Pages(ctx, page)
}

func (a *LowLevelAPI) ListCalendars(ctx context.Context, page func(*calendar.CalendarList) error) error {
	return a.service.CalendarList.List().Pages(ctx, page)
}

func (a *LowLevelAPI) PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) error {
	_, err := a.service.Events.Patch(calendarID, eventID, patch).
		SupportsAttachments(true).
		Context(ctx).
		Do()
	return err
}

func (a *LowLevelAPI) Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error) {
	return a.service.Events.Watch(calendarID, ch).Context(ctx).Do()
}

func (a *LowLevelAPI) StopChannel(ctx context.Context, ch *calendar.Channel) error {
	return a.service.Channels.Stop(ch).Context(ctx).Do()
}
