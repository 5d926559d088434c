package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

const replayPageSize = 200

// RebuildReport describes one projection rebuild.
type RebuildReport struct {
	Events    int64         `json:"events"`
	Locations int64         `json:"locations"`
	Objects   int64         `json:"objects"`
	Duration  time.Duration `json:"duration"`
}

// Rebuild throws the current-state tables away and replays the whole event
// log into them, page by page, inside one transaction. Writers are blocked for
// the duration; readers see the old projection until the commit.
func (s *Store) Rebuild(ctx context.Context) (RebuildReport, error) {
	started := time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RebuildReport{}, fmt.Errorf("store: rebuild: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM objects`,
		`DELETE FROM locations`,
		`UPDATE world_counters SET locations = 0, objects = 0 WHERE id = 1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return RebuildReport{}, fmt.Errorf("store: rebuild: reset projection: %w", err)
		}
	}

	var report RebuildReport
	var afterSeq int64
	for {
		if err := ctx.Err(); err != nil {
			return RebuildReport{}, err
		}
		page, err := queryEventsOn(ctx, tx, `
			SELECT `+eventColumns+` FROM events
			WHERE seq > ?
			ORDER BY seq ASC LIMIT ?`, afterSeq, replayPageSize)
		if err != nil {
			return RebuildReport{}, fmt.Errorf("store: rebuild: %w", err)
		}
		for _, evt := range page {
			if err := applyEvent(ctx, tx, evt); err != nil {
				return RebuildReport{}, fmt.Errorf("store: rebuild at seq %d: %w", evt.Seq, err)
			}
			afterSeq = evt.Seq
			report.Events++
		}
		if len(page) < replayPageSize {
			break
		}
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT locations, objects FROM world_counters WHERE id = 1`,
	).Scan(&report.Locations, &report.Objects); err != nil {
		return RebuildReport{}, fmt.Errorf("store: rebuild: read counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RebuildReport{}, fmt.Errorf("store: rebuild: commit: %w", err)
	}

	report.Duration = time.Since(started)
	s.logger.Info("store: projection rebuilt",
		"events", report.Events,
		"locations", report.Locations,
		"objects", report.Objects,
		"duration", report.Duration,
	)
	return report, nil
}

// Inconsistency is one disagreement found by Verify.
type Inconsistency struct {
	ObjectID string `json:"object_id"`
	Problem  string `json:"problem"`
}

// Verify checks the projection against the log: each object's version must
// equal the number of move/modify events targeting it, and the event counter
// must equal the log length.
func (s *Store) Verify(ctx context.Context) ([]Inconsistency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.version,
		       (SELECT COUNT(*) FROM events e
		        WHERE e.target = o.id AND e.event_type IN (?, ?)) AS mutations
		FROM objects o
		ORDER BY o.created_seq`, string(world.ObjectMoved), string(world.ObjectModified))
	if err != nil {
		return nil, fmt.Errorf("store: verify: %w", err)
	}
	defer rows.Close()

	problems := []Inconsistency{}
	for rows.Next() {
		var (
			id                 string
			version, mutations int64
		)
		if err := rows.Scan(&id, &version, &mutations); err != nil {
			return nil, fmt.Errorf("store: verify: scan: %w", err)
		}
		if version != mutations {
			problems = append(problems, Inconsistency{
				ObjectID: id,
				Problem:  fmt.Sprintf("version %d but %d move/modify events", version, mutations),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: verify: iterate: %w", err)
	}

	var counted, actual int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT events FROM world_counters WHERE id = 1), (SELECT COUNT(*) FROM events)`,
	).Scan(&counted, &actual); err != nil {
		return nil, fmt.Errorf("store: verify: counters: %w", err)
	}
	if counted != actual {
		problems = append(problems, Inconsistency{
			Problem: fmt.Sprintf("event counter %d but log holds %d events", counted, actual),
		})
	}
	return problems, nil
}
