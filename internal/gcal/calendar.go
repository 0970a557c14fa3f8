package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"qm/internal/gapi"
	appLog "qm/internal/log"
	"qm/internal/model"
)

const (
	editorRole = "writer"
	ownerRole  = "owner"
)

// Client adapts the Google Calendar API to the event source, link
// attachment and push channel contracts. Every returned error carries a
// retry.Kind.
type Client struct {
	api          API
	webhookURL   string
	webhookToken string
	now          func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithWebhook sets the address (and optional verification token) used when
// registering push channels.
func WithWebhook(url, token string) Option {
	return func(c *Client) {
		c.webhookURL = url
		c.webhookToken = token
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(api API, opts ...Option) *Client {
	c := &Client{api: api, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListEvents returns every upcoming event of the calendar with recurring
// events expanded into instances. All pages are read before returning.
// Cancelled, all-day and malformed events are skipped.
func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]model.ExternalEvent, error) {
	var out []model.ExternalEvent
	err := c.api.ListEvents(ctx, calendarID, c.now(), func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, err := toExternalEvent(item)
			if err != nil {
				appLog.Debug("skipping calendar event", "calendar", calendarID, "event_id", item.Id, "reason", err.Error())
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, gapi.Classify(fmt.Errorf("list events of %s: %w", calendarID, err))
	}
	appLog.Debug("calendar events listed", "calendar", calendarID, "count", len(out))
	return out, nil
}

// ListEditors returns the identities holding the writer role on the calendar.
func (c *Client) ListEditors(ctx context.Context, calendarID string) ([]string, error) {
	var out []string
	err := c.api.ListACL(ctx, calendarID, func(page *calendar.Acl) error {
		for _, rule := range page.Items {
			if rule.Role != editorRole || rule.Scope == nil || rule.Scope.Value == "" {
				continue
			}
			out = append(out, rule.Scope.Value)
		}
		return nil
	})
	if err != nil {
		return nil, gapi.Classify(fmt.Errorf("list editors of %s: %w", calendarID, err))
	}
	return out, nil
}

// AttachLinks replaces the attachments of an event with links.
func (c *Client) AttachLinks(ctx context.Context, calendarID, eventID string, links []model.Link) error {
	patch := &calendar.Event{}
	for _, l := range links {
		patch.Attachments = append(patch.Attachments, &calendar.EventAttachment{
			FileUrl: l.URL,
			Title:   l.Title,
		})
	}
	if err := c.api.PatchEvent(ctx, calendarID, eventID, patch); err != nil {
		return gapi.Classify(fmt.Errorf("attach links to %s: %w", eventID, err))
	}
	return nil
}

// OwnedCalendars returns the ids of non-primary calendars the account owns.
func (c *Client) OwnedCalendars(ctx context.Context) ([]string, error) {
	var out []string
	err := c.api.ListCalendars(ctx, func(page *calendar.CalendarList) error {
		for _, entry := range page.Items {
			if entry.Primary || entry.AccessRole != ownerRole {
				continue
			}
			out = append(out, entry.Id)
		}
		return nil
	})
	if err != nil {
		return nil, gapi.Classify(fmt.Errorf("list calendars: %w", err))
	}
	return out, nil
}

// Watch registers a web_hook push channel with the given id for calendar
// events.
func (c *Client) Watch(ctx context.Context, calendarID, channelID string) (model.Channel, error) {
	if c.webhookURL == "" {
		return model.Channel{}, errors.New("watch: webhook url is not configured")
	}
	resp, err := c.api.Watch(ctx, calendarID, &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: c.webhookURL,
		Token:   c.webhookToken,
	})
	if err != nil {
		return model.Channel{}, gapi.Classify(fmt.Errorf("watch %s: %w", calendarID, err))
	}
	ch := model.Channel{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
		CreatedAt:  c.now().UTC(),
	}
	if ch.ID == "" {
		ch.ID = channelID
	}
	if resp.Expiration > 0 {
		ch.Expiration = time.UnixMilli(resp.Expiration).UTC()
	}
	return ch, nil
}

// StopWatch stops a push channel. Unknown channels are not an error.
func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	err := c.api.StopChannel(ctx, &calendar.Channel{Id: channelID, ResourceId: resourceID})
	if err != nil && !gapi.IsNotFound(err) {
		return gapi.Classify(fmt.Errorf("stop channel %s: %w", channelID, err))
	}
	return nil
}

// toExternalEvent validates a Google event.
func toExternalEvent(item *calendar.Event) (model.ExternalEvent, error) {
	if item == nil || item.Id == "" {
		return model.ExternalEvent{}, errors.New("missing id")
	}
	if item.Status == "cancelled" {
		return model.ExternalEvent{}, errors.New("cancelled")
	}
	if item.Start == nil || item.Start.DateTime == "" {
		// All-day events have no time to open at.
		return model.ExternalEvent{}, errors.New("missing start date-time")
	}
	start, err := parseDateTime(item.Start)
	if err != nil {
		return model.ExternalEvent{}, err
	}
	updated, err := time.Parse(time.RFC3339, item.Updated)
	if err != nil {
		return model.ExternalEvent{}, fmt.Errorf("parsing updated %q: %w", item.Updated, err)
	}
	return model.ExternalEvent{
		ID:           item.Id,
		Name:         item.Summary,
		Start:        start,
		LastModified: updated,
	}, nil
}

func parseDateTime(dt *calendar.EventDateTime) (time.Time, error) {
	if dt.TimeZone != "" {
		if loc, err := time.LoadLocation(dt.TimeZone); err == nil {
			t, err := time.ParseInLocation(time.RFC3339, dt.DateTime, loc)
			if err != nil {
				return time.Time{}, fmt.Errorf("parsing start %q: %w", dt.DateTime, err)
			}
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing start %q: %w", dt.DateTime, err)
	}
	return t, nil
}
