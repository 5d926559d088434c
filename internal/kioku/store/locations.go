package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

const locationColumns = `id, name, description, connections, properties, created_at, last_modified`

// CreateLocation validates and creates a location, recording location_created.
// Connection targets are not checked: they may point at locations created
// later.
func (s *Store) CreateLocation(ctx context.Context, name, description string, connections world.Connections, properties world.Properties) (*world.Location, error) {
	if err := world.ValidateLocation(name, description, connections); err != nil {
		return nil, err
	}

	loc := world.Location{
		ID:          world.NewID(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Connections: connections.Clone(),
		Properties:  properties.Clone(),
	}

	_, err := s.commit(ctx, func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error) {
		loc.CreatedAt = now
		loc.LastModified = now
		payload, err := world.ContextOf(world.LocationCreatedPayload{Location: loc})
		if err != nil {
			return nil, fmt.Errorf("store: encode location payload: %w", err)
		}
		return &world.Event{
			Type:       world.LocationCreated,
			Actor:      world.ActorSystem,
			Action:     fmt.Sprintf("created location %s", loc.Name),
			Target:     loc.ID,
			LocationID: loc.ID,
			Context:    payload,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// UpdateLocationConnections merges connections into the location's exits and
// records location_updated with the full before/after maps. An empty target
// removes that direction. Returns false when the location does not exist.
func (s *Store) UpdateLocationConnections(ctx context.Context, locationID string, connections world.Connections, actor string) (bool, error) {
	if len(connections) == 0 {
		return false, &world.ValidationError{Field: "connections", Reason: "must not be empty"}
	}
	for dir := range connections {
		if strings.TrimSpace(dir) == "" {
			return false, &world.ValidationError{Field: "connections", Reason: "direction must not be empty"}
		}
	}
	if actor == "" {
		actor = world.ActorSystem
	}

	evt, err := s.commit(ctx, func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error) {
		loc, err := getLocation(ctx, tx, locationID)
		if errors.Is(err, world.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		updated := loc.Connections.Clone()
		for dir, target := range connections {
			if target == "" {
				delete(updated, dir)
				continue
			}
			updated[dir] = target
		}

		payload, err := world.ContextOf(world.LocationUpdatedPayload{
			OldConnections: loc.Connections,
			NewConnections: updated,
		})
		if err != nil {
			return nil, fmt.Errorf("store: encode connections payload: %w", err)
		}
		return &world.Event{
			Type:       world.LocationUpdated,
			Actor:      actor,
			Action:     fmt.Sprintf("updated connections of %s: %s", loc.Name, strings.Join(directions(updated), ", ")),
			Target:     loc.ID,
			LocationID: loc.ID,
			Context:    payload,
		}, nil
	})
	if err != nil {
		return false, err
	}
	return evt != nil, nil
}

// GetLocation returns the location with the given ID or world.ErrNotFound.
func (s *Store) GetLocation(ctx context.Context, id string) (*world.Location, error) {
	return getLocation(ctx, s.db, id)
}

// ListLocations returns every location in creation order.
func (s *Store) ListLocations(ctx context.Context) ([]world.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM locations ORDER BY created_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list locations: %w", err)
	}
	defer rows.Close()

	locations := []world.Location{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate locations: %w", err)
	}
	return locations, nil
}

// ResolveConnection follows direction out of locationID. A missing direction
// or a target that was never created yields world.ErrNotFound.
func (s *Store) ResolveConnection(ctx context.Context, locationID, direction string) (*world.Location, error) {
	from, err := s.GetLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	target, ok := from.Connections[direction]
	if !ok {
		return nil, fmt.Errorf("store: %s has no exit %q: %w", from.Name, direction, world.ErrNotFound)
	}
	to, err := s.GetLocation(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("store: exit %q of %s is dangling: %w", direction, from.Name, err)
	}
	return to, nil
}

// LocationInfo bundles a location with what is in it and what happened there
// lately.
type LocationInfo struct {
	Location     world.Location `json:"location"`
	Objects      []world.Object `json:"objects"`
	RecentEvents []world.Event  `json:"recent_events"`
}

// GetLocationInfo returns the location, its objects and its 5 most recent
// events.
func (s *Store) GetLocationInfo(ctx context.Context, locationID string) (*LocationInfo, error) {
	loc, err := s.GetLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	objects, err := s.ObjectsAt(ctx, locationID)
	if err != nil {
		return nil, err
	}
	events, err := s.RecentEvents(ctx, locationID, 5)
	if err != nil {
		return nil, err
	}
	return &LocationInfo{Location: *loc, Objects: objects, RecentEvents: events}, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLocation(ctx context.Context, q rowQueryer, id string) (*world.Location, error) {
	row := q.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = ?`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: location %q: %w", id, world.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(sc scanner) (world.Location, error) {
	var (
		loc                     world.Location
		connsJSON, propsJSON    string
		createdAt, lastModified string
	)
	if err := sc.Scan(&loc.ID, &loc.Name, &loc.Description, &connsJSON, &propsJSON, &createdAt, &lastModified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return world.Location{}, err
		}
		return world.Location{}, fmt.Errorf("store: scan location: %w", err)
	}
	loc.Connections = world.Connections{}
	if err := json.Unmarshal([]byte(connsJSON), &loc.Connections); err != nil {
		return world.Location{}, fmt.Errorf("store: unmarshal connections of %s: %w", loc.ID, err)
	}
	loc.Properties = world.Properties{}
	if err := json.Unmarshal([]byte(propsJSON), &loc.Properties); err != nil {
		return world.Location{}, fmt.Errorf("store: unmarshal properties of %s: %w", loc.ID, err)
	}
	var err error
	if loc.CreatedAt, err = parseTime(createdAt); err != nil {
		return world.Location{}, fmt.Errorf("store: parse created_at of %s: %w", loc.ID, err)
	}
	if loc.LastModified, err = parseTime(lastModified); err != nil {
		return world.Location{}, fmt.Errorf("store: parse last_modified of %s: %w", loc.ID, err)
	}
	return loc, nil
}

func directions(c world.Connections) []string {
	dirs := make([]string, 0, len(c))
	for dir := range c {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}
