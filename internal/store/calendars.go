package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qm/internal/model"
)

const calendarColumns = `id, external_id, webhook_channel, webhook_resource_id, webhook_created_at`

// GetCalendar returns the calendar with the given external id.
func (s *Store) GetCalendar(ctx context.Context, externalID string) (model.Calendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE external_id = ?`, externalID)
	cal, err := scanCalendar(row)
	if err != nil {
		return model.Calendar{}, fmt.Errorf("get calendar %q: %w", externalID, err)
	}
	return cal, nil
}

// GetCalendarByChannel returns the calendar whose push channel id matches.
func (s *Store) GetCalendarByChannel(ctx context.Context, channelID string) (model.Calendar, error) {
	if channelID == "" {
		return model.Calendar{}, fmt.Errorf("get calendar by channel: %w", ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE webhook_channel = ?`, channelID)
	cal, err := scanCalendar(row)
	if err != nil {
		return model.Calendar{}, fmt.Errorf("get calendar by channel %q: %w", channelID, err)
	}
	return cal, nil
}

// ListCalendars returns every known calendar ordered by id.
func (s *Store) ListCalendars(ctx context.Context) ([]model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarColumns+` FROM calendars ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	defer rows.Close()

	var out []model.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("list calendars: %w", err)
		}
		out = append(out, cal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return out, nil
}

// EnsureCalendar returns the calendar with the given external id, creating it
// on first sight. Safe to call concurrently for the same id.
func (s *Store) EnsureCalendar(ctx context.Context, externalID string) (model.Calendar, bool, error) {
	if externalID == "" {
		return model.Calendar{}, false, errors.New("ensure calendar: external id is empty")
	}
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (external_id, created_at, modified_at)
		VALUES (?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`, externalID, now, now)
	if err != nil {
		return model.Calendar{}, false, fmt.Errorf("ensure calendar %q: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Calendar{}, false, fmt.Errorf("ensure calendar %q: %w", externalID, err)
	}

	cal, err := s.GetCalendar(ctx, externalID)
	if err != nil {
		return model.Calendar{}, false, err
	}
	return cal, n > 0, nil
}

// UpdateCalendarWebhook records the push channel registered for a calendar.
func (s *Store) UpdateCalendarWebhook(ctx context.Context, id int64, ch model.Channel) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendars
		SET webhook_channel = ?, webhook_resource_id = ?, webhook_created_at = ?, modified_at = ?
		WHERE id = ?
	`, ch.ID, ch.ResourceID, unixOrZero(ch.CreatedAt), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update calendar webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update calendar webhook: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update calendar webhook %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(r rowScanner) (model.Calendar, error) {
	var (
		cal       model.Calendar
		createdAt int64
	)
	err := r.Scan(&cal.ID, &cal.ExternalID, &cal.WebhookChannel, &cal.WebhookResourceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Calendar{}, ErrNotFound
	}
	if err != nil {
		return model.Calendar{}, err
	}
	cal.WebhookCreatedAt = timeOrZero(createdAt)
	return cal, nil
}
