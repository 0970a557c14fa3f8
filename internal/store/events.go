package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"qm/internal/model"
)

const eventColumns = `id, external_id, calendar_id, open_at, created, opened, artifact_id`

// ListEvents returns the events owned by a calendar.
func (s *Store) ListEvents(ctx context.Context, calendarID int64) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE calendar_id = ?
		ORDER BY open_at ASC, id ASC
	`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// GetEvent returns the event with the given external id.
func (s *Store) GetEvent(ctx context.Context, externalID string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE external_id = ?`, externalID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("get event %q: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %q: %w", externalID, err)
	}
	return ev, nil
}

// CreateEvent inserts ev and returns it with its id set. A second insert for
// the same external id fails with ErrDuplicate.
func (s *Store) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ExternalID == "" {
		return model.Event{}, errors.New("create event: external id is empty")
	}
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events
		(external_id, calendar_id, open_at, created, opened, artifact_id, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ExternalID,
		ev.CalendarID,
		ev.OpenAt,
		boolToInt(ev.Created),
		boolToInt(ev.Opened),
		ev.ArtifactID,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, fmt.Errorf("create event %q: %w", ev.ExternalID, ErrDuplicate)
		}
		return model.Event{}, fmt.Errorf("create event %q: %w", ev.ExternalID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Event{}, fmt.Errorf("create event %q: %w", ev.ExternalID, err)
	}
	ev.ID = id
	return ev, nil
}

// UpdateEvent applies upd to the event with the given id. Only events that
// are not opened yet are updated; the returned bool reports whether a row
// changed.
func (s *Store) UpdateEvent(ctx context.Context, id int64, upd model.EventUpdate) (bool, error) {
	var (
		sets []string
		args []any
	)
	if upd.OpenAt != nil {
		sets = append(sets, "open_at = ?")
		args = append(args, *upd.OpenAt)
	}
	if upd.Opened != nil {
		sets = append(sets, "opened = ?")
		args = append(args, boolToInt(*upd.Opened))
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "modified_at = ?")
	args = append(args, s.now().Unix(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ? AND opened = 0`, args...)
	if err != nil {
		return false, fmt.Errorf("update event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update event %d: %w", id, err)
	}
	return n > 0, nil
}

// DeleteEvent removes the event with the given external id.
func (s *Store) DeleteEvent(ctx context.Context, externalID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("delete event %q: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete event %q: %w", externalID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete event %q: %w", externalID, ErrNotFound)
	}
	return nil
}

// ListDueEvents returns provisioned, unopened events matching openAt under
// the given policy: equality for OpenExact, open_at <= openAt for OpenDue.
func (s *Store) ListDueEvents(ctx context.Context, openAt int64, policy model.OpenPolicy) ([]model.Event, error) {
	cmp := "="
	if policy == model.OpenDue {
		cmp = "<="
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE opened = 0 AND created = 1 AND open_at `+cmp+` ?
		ORDER BY open_at ASC, id ASC
	`, openAt)
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanEvent(r rowScanner) (model.Event, error) {
	var (
		ev              model.Event
		created, opened int
	)
	if err := r.Scan(&ev.ID, &ev.ExternalID, &ev.CalendarID, &ev.OpenAt, &created, &opened, &ev.ArtifactID); err != nil {
		return model.Event{}, err
	}
	ev.Created = created != 0
	ev.Opened = opened != 0
	return ev, nil
}
