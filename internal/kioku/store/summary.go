package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// Summary reads the maintained counters. It never scans the entity tables.
func (s *Store) Summary(ctx context.Context) (world.Summary, error) {
	var (
		sum         world.Summary
		first, last sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT locations, objects, events, first_event_at, last_event_at
		FROM world_counters WHERE id = 1`,
	).Scan(&sum.Locations, &sum.Objects, &sum.Events, &first, &last)
	if err != nil {
		return world.Summary{}, fmt.Errorf("store: read counters: %w", err)
	}
	if first.Valid {
		if sum.FirstEventAt, err = parseTime(first.String); err != nil {
			return world.Summary{}, fmt.Errorf("store: parse first_event_at: %w", err)
		}
	}
	if last.Valid {
		if sum.LastEventAt, err = parseTime(last.String); err != nil {
			return world.Summary{}, fmt.Errorf("store: parse last_event_at: %w", err)
		}
	}
	return sum, nil
}

// ObjectCount satisfies the status endpoint's provider interface.
func (s *Store) ObjectCount(ctx context.Context) (int64, error) {
	sum, err := s.Summary(ctx)
	if err != nil {
		return 0, err
	}
	return sum.Objects, nil
}
