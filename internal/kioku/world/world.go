// Package world defines the entities of the simulated world (locations,
// objects and the events that change them) together with the value types
// shared by the store, the semantic index and the context assembler.
//
// Nothing in this package touches storage. The types here are plain values:
// the store owns their persistence and is the only writer.
package world

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Connections maps a direction ("north", "up", "through the door") to the ID
// of the location it leads to. A direction appears at most once.
type Connections map[string]string

// Clone returns an independent copy of c. A nil map clones to an empty map.
func (c Connections) Clone() Connections {
	out := make(Connections, len(c))
	for dir, target := range c {
		out[dir] = target
	}
	return out
}

// Location is a place in the world. Connection targets may name locations
// that do not exist yet; they are resolved when traversed.
type Location struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Connections  Connections `json:"connections"`
	Properties   Properties  `json:"properties"`
	CreatedAt    time.Time   `json:"created_at"`
	LastModified time.Time   `json:"last_modified"`
}

// Object is a thing in the world. It always sits in exactly one place:
// either a real location or the hands of an actor.
type Object struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Location     LocationRef `json:"location"`
	Properties   Properties  `json:"properties"`
	CreatedAt    time.Time   `json:"created_at"`
	LastModified time.Time   `json:"last_modified"`
	// Version is 0 at creation and grows by exactly one on every move or
	// property change.
	Version int64 `json:"version"`
}

// Summary is the cheap overview of the world maintained by counters that are
// updated together with every event append.
type Summary struct {
	Locations    int64     `json:"locations"`
	Objects      int64     `json:"objects"`
	Events       int64     `json:"events"`
	FirstEventAt time.Time `json:"first_event_at,omitzero"`
	LastEventAt  time.Time `json:"last_event_at,omitzero"`
}

// NewID returns a fresh random identifier for a location, object or event.
func NewID() string {
	return uuid.NewString()
}

// ValidateLocation checks the fields required to create a location.
func ValidateLocation(name, description string, connections Connections) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	for dir := range connections {
		if strings.TrimSpace(dir) == "" {
			return &ValidationError{Field: "connections", Reason: "direction must not be empty"}
		}
	}
	return nil
}

// ValidateObject checks the fields required to create an object.
func ValidateObject(name, description string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	return nil
}
