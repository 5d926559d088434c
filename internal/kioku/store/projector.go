package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// applyEvent folds one event into the current-state tables. The live write
// path and Rebuild both go through here, so replaying the log reproduces the
// projection exactly.
func applyEvent(ctx context.Context, tx *sql.Tx, evt world.Event) error {
	switch evt.Type {
	case world.LocationCreated:
		var p world.LocationCreatedPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return projectLocationCreated(ctx, tx, evt, p)

	case world.LocationUpdated:
		var p world.LocationUpdatedPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		conns, err := marshalJSON(p.NewConnections.Clone())
		if err != nil {
			return err
		}
		return execOne(ctx, tx, evt, `
			UPDATE locations SET connections = ?, last_modified = ? WHERE id = ?`,
			conns, formatTime(evt.Timestamp), evt.Target)

	case world.ObjectCreated:
		var p world.ObjectCreatedPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return projectObjectCreated(ctx, tx, evt, p)

	case world.ObjectMoved:
		var p world.ObjectMovedPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return execOne(ctx, tx, evt, `
			UPDATE objects
			SET location_kind = ?, location_key = ?, version = ?, last_modified = ?
			WHERE id = ?`,
			p.To.Kind(), p.To.Key(), p.Version, formatTime(evt.Timestamp), evt.Target)

	case world.ObjectModified:
		var p world.ObjectModifiedPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		props, err := marshalJSON(p.NewProperties.Clone())
		if err != nil {
			return err
		}
		return execOne(ctx, tx, evt, `
			UPDATE objects SET properties = ?, version = ?, last_modified = ? WHERE id = ?`,
			props, p.Version, formatTime(evt.Timestamp), evt.Target)

	case world.Custom:
		return nil

	default:
		return fmt.Errorf("projector: event %s has unknown type %q", evt.ID, evt.Type)
	}
}

func projectLocationCreated(ctx context.Context, tx *sql.Tx, evt world.Event, p world.LocationCreatedPayload) error {
	loc := p.Location
	conns, err := marshalJSON(loc.Connections.Clone())
	if err != nil {
		return err
	}
	props, err := marshalJSON(loc.Properties.Clone())
	if err != nil {
		return err
	}
	ts := formatTime(evt.Timestamp)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO locations (id, name, description, connections, properties, created_at, last_modified, created_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		loc.ID, loc.Name, loc.Description, conns, props, ts, ts, evt.Seq,
	); err != nil {
		return fmt.Errorf("projector: insert location %s: %w", loc.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE world_counters SET locations = locations + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("projector: count location: %w", err)
	}
	return nil
}

func projectObjectCreated(ctx context.Context, tx *sql.Tx, evt world.Event, p world.ObjectCreatedPayload) error {
	obj := p.Object
	props, err := marshalJSON(obj.Properties.Clone())
	if err != nil {
		return err
	}
	ts := formatTime(evt.Timestamp)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO objects (id, name, description, location_kind, location_key, properties, created_at, last_modified, version, created_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, obj.Name, obj.Description, p.Placement.Kind(), p.Placement.Key(), props, ts, ts, obj.Version, evt.Seq,
	); err != nil {
		return fmt.Errorf("projector: insert object %s: %w", obj.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE world_counters SET objects = objects + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("projector: count object: %w", err)
	}
	return nil
}

// execOne runs an UPDATE that must touch exactly one projection row.
func execOne(ctx context.Context, tx *sql.Tx, evt world.Event, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("projector: apply %s %s: %w", evt.Type, evt.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projector: apply %s %s: %w", evt.Type, evt.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("projector: %s %s targets missing entity %q", evt.Type, evt.ID, evt.Target)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("projector: marshal: %w", err)
	}
	return string(b), nil
}
