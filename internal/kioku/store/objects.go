package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

const objectColumns = `id, name, description, location_kind, location_key, properties, created_at, last_modified, version`

// CreateObject creates an object inside a real location, recording
// object_created. A location ID that does not resolve fails with
// world.ErrNotFound.
func (s *Store) CreateObject(ctx context.Context, name, description, locationID string, properties world.Properties) (*world.Object, error) {
	return s.CreateObjectAt(ctx, name, description, world.AtLocation(locationID), properties)
}

// CreateObjectAt is CreateObject for any placement, including an actor's
// hands.
func (s *Store) CreateObjectAt(ctx context.Context, name, description string, placement world.LocationRef, properties world.Properties) (*world.Object, error) {
	if err := world.ValidateObject(name, description); err != nil {
		return nil, err
	}
	if placement.IsZero() {
		return nil, &world.ValidationError{Field: "location", Reason: "must not be empty"}
	}

	obj := world.Object{
		ID:          world.NewID(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Location:    placement,
		Properties:  properties.Clone(),
	}

	_, err := s.commit(ctx, func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error) {
		where, err := describePlacement(ctx, tx, placement)
		if err != nil {
			return nil, err
		}
		obj.CreatedAt = now
		obj.LastModified = now
		payload, err := world.ContextOf(world.ObjectCreatedPayload{Object: obj, Placement: placement})
		if err != nil {
			return nil, fmt.Errorf("store: encode object payload: %w", err)
		}
		return &world.Event{
			Type:       world.ObjectCreated,
			Actor:      world.ActorSystem,
			Action:     fmt.Sprintf("created %s %s", obj.Name, where),
			Target:     obj.ID,
			LocationID: eventLocation(placement, world.LocationRef{}),
			Context:    payload,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// MoveObject places an object somewhere else and bumps its version. Unknown
// objects are a routine false, not an error. A real destination must exist;
// a held-by-actor destination never needs a row.
func (s *Store) MoveObject(ctx context.Context, objectID string, to world.LocationRef, actor string) (bool, error) {
	if to.IsZero() {
		return false, &world.ValidationError{Field: "location", Reason: "must not be empty"}
	}
	if strings.TrimSpace(actor) == "" {
		return false, &world.ValidationError{Field: "actor", Reason: "must not be empty"}
	}

	evt, err := s.commit(ctx, func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error) {
		obj, err := getObject(ctx, tx, objectID)
		if errors.Is(err, world.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		from, err := describePlacement(ctx, tx, obj.Location)
		if err != nil && !errors.Is(err, world.ErrNotFound) {
			return nil, err
		}
		dest, err := describePlacement(ctx, tx, to)
		if err != nil {
			return nil, err
		}

		payload, err := world.ContextOf(world.ObjectMovedPayload{
			ObjectID: obj.ID,
			From:     obj.Location,
			To:       to,
			Version:  obj.Version + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("store: encode move payload: %w", err)
		}
		return &world.Event{
			Type:       world.ObjectMoved,
			Actor:      actor,
			Action:     fmt.Sprintf("moved %s from %s to %s", obj.Name, strings.TrimPrefix(from, "in "), strings.TrimPrefix(dest, "in ")),
			Target:     obj.ID,
			LocationID: eventLocation(to, obj.Location),
			Context:    payload,
		}, nil
	})
	if err != nil {
		return false, err
	}
	return evt != nil, nil
}

// ModifyObjectProperties merges updates into the object's properties (last
// write wins per key, absent keys untouched) and bumps its version. The event
// carries the full old and new bags. Unknown objects are a routine false.
func (s *Store) ModifyObjectProperties(ctx context.Context, objectID string, updates world.Properties, actor string) (bool, error) {
	if len(updates) == 0 {
		return false, &world.ValidationError{Field: "updates", Reason: "must not be empty"}
	}
	return s.ModifyObjectPropertiesFunc(ctx, objectID, actor, func(world.Object) world.Properties {
		return updates
	})
}

// ModifyObjectPropertiesFunc is ModifyObjectProperties with the updates
// computed from the object as it stands inside the write transaction, so no
// other write can land between the read and the merge. When compute returns
// no updates nothing is committed and the result is false.
func (s *Store) ModifyObjectPropertiesFunc(ctx context.Context, objectID, actor string, compute func(world.Object) world.Properties) (bool, error) {
	if strings.TrimSpace(actor) == "" {
		return false, &world.ValidationError{Field: "actor", Reason: "must not be empty"}
	}

	evt, err := s.commit(ctx, func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error) {
		obj, err := getObject(ctx, tx, objectID)
		if errors.Is(err, world.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		updates := compute(*obj)
		if len(updates) == 0 {
			return nil, nil
		}

		payload, err := world.ContextOf(world.ObjectModifiedPayload{
			OldProperties: obj.Properties,
			NewProperties: obj.Properties.Merge(updates),
			Updates:       updates,
			Version:       obj.Version + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("store: encode modify payload: %w", err)
		}
		locationID, _ := obj.Location.LocationID()
		return &world.Event{
			Type:       world.ObjectModified,
			Actor:      actor,
			Action:     fmt.Sprintf("modified %s: %s", obj.Name, strings.Join(updates.Keys(), ", ")),
			Target:     obj.ID,
			LocationID: locationID,
			Context:    payload,
		}, nil
	})
	if err != nil {
		return false, err
	}
	return evt != nil, nil
}

// GetObject returns the object with the given ID or world.ErrNotFound.
func (s *Store) GetObject(ctx context.Context, id string) (*world.Object, error) {
	return getObject(ctx, s.db, id)
}

// ListObjects returns every object in creation order.
func (s *Store) ListObjects(ctx context.Context) ([]world.Object, error) {
	return s.queryObjects(ctx, `SELECT `+objectColumns+` FROM objects ORDER BY created_seq ASC`)
}

// ObjectsAt returns the objects currently inside a real location, in creation
// order.
func (s *Store) ObjectsAt(ctx context.Context, locationID string) ([]world.Object, error) {
	return s.queryObjects(ctx, `
		SELECT `+objectColumns+` FROM objects
		WHERE location_kind = 'location' AND location_key = ?
		ORDER BY created_seq ASC`, locationID)
}

// HeldBy returns the objects an actor is carrying, in creation order.
func (s *Store) HeldBy(ctx context.Context, actor string) ([]world.Object, error) {
	return s.queryObjects(ctx, `
		SELECT `+objectColumns+` FROM objects
		WHERE location_kind = 'held' AND location_key = ?
		ORDER BY created_seq ASC`, actor)
}

// ObjectsEverAt returns every object that was ever placed in locationID,
// whether or not it is still there, ordered by when it first arrived.
func (s *Store) ObjectsEverAt(ctx context.Context, locationID string) ([]world.Object, error) {
	return s.queryObjects(ctx, `
		SELECT `+objectColumns+` FROM objects o
		JOIN (
			SELECT target, MIN(seq) AS first_seq FROM events
			WHERE location_id = ? AND event_type IN ('object_created', 'object_moved')
			GROUP BY target
		) seen ON seen.target = o.id
		ORDER BY seen.first_seq ASC`, locationID)
}

func (s *Store) queryObjects(ctx context.Context, query string, args ...any) ([]world.Object, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query objects: %w", err)
	}
	defer rows.Close()

	objects := []world.Object{}
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate objects: %w", err)
	}
	return objects, nil
}

func getObject(ctx context.Context, q rowQueryer, id string) (*world.Object, error) {
	row := q.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id = ?`, id)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: object %q: %w", id, world.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func scanObject(sc scanner) (world.Object, error) {
	var (
		obj                     world.Object
		kind, key               string
		propsJSON               string
		createdAt, lastModified string
	)
	err := sc.Scan(&obj.ID, &obj.Name, &obj.Description, &kind, &key, &propsJSON, &createdAt, &lastModified, &obj.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return world.Object{}, err
		}
		return world.Object{}, fmt.Errorf("store: scan object: %w", err)
	}
	if obj.Location, err = world.RefFromParts(kind, key); err != nil {
		return world.Object{}, fmt.Errorf("store: object %s: %w", obj.ID, err)
	}
	obj.Properties = world.Properties{}
	if err := json.Unmarshal([]byte(propsJSON), &obj.Properties); err != nil {
		return world.Object{}, fmt.Errorf("store: unmarshal properties of %s: %w", obj.ID, err)
	}
	if obj.CreatedAt, err = parseTime(createdAt); err != nil {
		return world.Object{}, fmt.Errorf("store: parse created_at of %s: %w", obj.ID, err)
	}
	if obj.LastModified, err = parseTime(lastModified); err != nil {
		return world.Object{}, fmt.Errorf("store: parse last_modified of %s: %w", obj.ID, err)
	}
	return obj, nil
}

// describePlacement renders a placement for an action summary and checks that
// a real location exists.
func describePlacement(ctx context.Context, tx *sql.Tx, ref world.LocationRef) (string, error) {
	if actor, ok := ref.Actor(); ok {
		return "held by " + actor, nil
	}
	id, _ := ref.LocationID()
	loc, err := getLocation(ctx, tx, id)
	if err != nil {
		return "in " + id, err
	}
	return "in " + loc.Name, nil
}

// eventLocation picks the real location an event happened at: the
// destination when it is a location, otherwise the origin.
func eventLocation(dest, origin world.LocationRef) string {
	if id, ok := dest.LocationID(); ok {
		return id
	}
	id, _ := origin.LocationID()
	return id
}
