package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

const eventColumns = `seq, id, ts, event_type, actor, action, target, location_id, context`

// appendEvent inserts evt, fills in its Seq and bumps the event counters. It
// is only ever called from inside commit.
func appendEvent(ctx context.Context, tx *sql.Tx, evt *world.Event) error {
	if evt.ID == "" {
		evt.ID = world.NewID()
	}
	if evt.Context == nil {
		evt.Context = map[string]any{}
	}
	contextJSON, err := json.Marshal(evt.Context)
	if err != nil {
		return fmt.Errorf("store: marshal event context: %w", err)
	}

	ts := formatTime(evt.Timestamp)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, ts, event_type, actor, action, target, location_id, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, ts, string(evt.Type), evt.Actor, evt.Action,
		nullString(evt.Target), nullString(evt.LocationID), string(contextJSON),
	)
	if err != nil {
		return fmt.Errorf("store: append %s event: %w", evt.Type, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: read event seq: %w", err)
	}
	evt.Seq = seq

	_, err = tx.ExecContext(ctx, `
		UPDATE world_counters
		SET events = events + 1,
		    first_event_at = COALESCE(first_event_at, ?),
		    last_event_at = ?
		WHERE id = 1`, ts, ts)
	if err != nil {
		return fmt.Errorf("store: update event counters: %w", err)
	}
	return nil
}

// RecordEvent appends a custom event. Custom events never change the
// projection; they exist so narrated actions become part of history.
func (s *Store) RecordEvent(ctx context.Context, ce world.CustomEvent) (*world.Event, error) {
	if err := ce.Validate(); err != nil {
		return nil, err
	}
	return s.commit(ctx, func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error) {
		return &world.Event{
			Type:       world.Custom,
			Actor:      ce.Actor,
			Action:     ce.Action,
			Target:     ce.Target,
			LocationID: ce.LocationID,
			Context:    ce.Context,
		}, nil
	})
}

// History returns every event targeting objectID in commit order, whoever the
// actor was.
func (s *Store) History(ctx context.Context, objectID string) ([]world.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE target = ?
		ORDER BY seq ASC`, objectID)
}

// RecentEvents returns up to limit events, newest first. An empty locationID
// means "anywhere".
func (s *Store) RecentEvents(ctx context.Context, locationID string, limit int) ([]world.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	if locationID == "" {
		return s.queryEvents(ctx, `
			SELECT `+eventColumns+` FROM events
			ORDER BY seq DESC LIMIT ?`, limit)
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE location_id = ?
		ORDER BY seq DESC LIMIT ?`, locationID, limit)
}

// EventsByActor returns up to limit events by actor, newest first.
func (s *Store) EventsByActor(ctx context.Context, actor string, limit int) ([]world.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE actor = ?
		ORDER BY seq DESC LIMIT ?`, actor, limit)
}

// SearchEvents does a case-insensitive substring match over the action text
// and the serialized context, newest first.
func (s *Store) SearchEvents(ctx context.Context, text string, limit int) ([]world.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &world.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE lower(action) LIKE ? ESCAPE '\' OR lower(context) LIKE ? ESCAPE '\'
		ORDER BY seq DESC LIMIT ?`, pattern, pattern, limit)
}

// LatestEvents returns the most recent limit events in commit order (oldest
// of the window first).
func (s *Store) LatestEvents(ctx context.Context, limit int) ([]world.Event, error) {
	if limit <= 0 {
		return []world.Event{}, nil
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM (
			SELECT `+eventColumns+` FROM events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
}

// EventsAfter pages through the log in commit order.
func (s *Store) EventsAfter(ctx context.Context, afterSeq int64, limit int) ([]world.Event, error) {
	if limit <= 0 {
		limit = replayPageSize
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE seq > ?
		ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*world.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("store: event %q: %w", id, world.ErrNotFound)
	}
	return &events[0], nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]world.Event, error) {
	return queryEventsOn(ctx, s.db, query, args...)
}

func queryEventsOn(ctx context.Context, q queryer, query string, args ...any) ([]world.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	events := []world.Event{}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (world.Event, error) {
	var (
		evt         world.Event
		ts          string
		eventType   string
		target      sql.NullString
		locationID  sql.NullString
		contextJSON string
	)
	if err := rows.Scan(&evt.Seq, &evt.ID, &ts, &eventType, &evt.Actor, &evt.Action, &target, &locationID, &contextJSON); err != nil {
		return world.Event{}, fmt.Errorf("store: scan event: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return world.Event{}, fmt.Errorf("store: parse timestamp of event %s: %w", evt.ID, err)
	}
	evt.Timestamp = t
	evt.Type = world.EventType(eventType)
	evt.Target = target.String
	evt.LocationID = locationID.String
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &evt.Context); err != nil {
			return world.Event{}, fmt.Errorf("store: unmarshal context of event %s: %w", evt.ID, err)
		}
	}
	return evt, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
