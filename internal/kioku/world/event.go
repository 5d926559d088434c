package world

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType names what an event records.
type EventType string

const (
	LocationCreated EventType = "location_created"
	ObjectCreated   EventType = "object_created"
	ObjectMoved     EventType = "object_moved"
	ObjectModified  EventType = "object_modified"
	LocationUpdated EventType = "location_updated"
	Custom          EventType = "custom"
)

// Well-known actors.
const (
	ActorSystem = "system"
	ActorPlayer = "player"
	ActorTime   = "time"
)

// Event is one committed fact. Events are never rewritten: a correction is a
// new event. Seq is the commit order assigned by the store.
type Event struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"event_type"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Decode unmarshals the event context into one of the payload types below.
func (e Event) Decode(into any) error {
	raw, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("encode context of event %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode context of event %s: %w", e.ID, err)
	}
	return nil
}

// ContextOf flattens a payload into the generic context map.
func ContextOf(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CustomEvent is a caller-supplied fact (a narrated action, an observation)
// that does not change the projection.
type CustomEvent struct {
	Actor      string
	Action     string
	Target     string
	LocationID string
	Context    map[string]any
}

// Validate checks that the event carries enough to be meaningful.
func (c CustomEvent) Validate() error {
	if strings.TrimSpace(c.Actor) == "" {
		return &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Action) == "" {
		return &ValidationError{Field: "action", Reason: "must not be empty"}
	}
	return nil
}

// Event payloads. Each carries everything needed to replay it into the
// projection without consulting any other state.

type LocationCreatedPayload struct {
	Location Location `json:"location"`
}

type LocationUpdatedPayload struct {
	OldConnections Connections `json:"old_connections"`
	NewConnections Connections `json:"new_connections"`
}

type ObjectCreatedPayload struct {
	Object    Object      `json:"object"`
	Placement LocationRef `json:"initial_placement"`
}

type ObjectMovedPayload struct {
	ObjectID string      `json:"object_id"`
	From     LocationRef `json:"old_location"`
	To       LocationRef `json:"new_location"`
	Version  int64       `json:"version"`
}

type ObjectModifiedPayload struct {
	OldProperties Properties `json:"old_properties"`
	NewProperties Properties `json:"new_properties"`
	Updates       Properties `json:"property_updates"`
	Version       int64      `json:"version"`
}
