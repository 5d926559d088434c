package world

import (
	"fmt"
	"strings"
)

type refKind uint8

const (
	refNone refKind = iota
	refLocation
	refHeld
)

const (
	locationPrefix = "location:"
	heldPrefix     = "held:"
)

// LocationRef says where an object is: inside a real location, or held by an
// actor. The held case is not a location and never takes part in connection
// traversal. The zero value is "nowhere" and is rejected by the store.
type LocationRef struct {
	kind refKind
	id   string
}

// AtLocation refers to the real location with the given ID.
func AtLocation(locationID string) LocationRef {
	return LocationRef{kind: refLocation, id: locationID}
}

// HeldBy refers to the virtual container of the given actor.
func HeldBy(actor string) LocationRef {
	return LocationRef{kind: refHeld, id: actor}
}

// IsZero reports whether r refers to nothing.
func (r LocationRef) IsZero() bool {
	return r.kind == refNone || r.id == ""
}

// IsHeld reports whether r is an actor's virtual container.
func (r LocationRef) IsHeld() bool {
	return r.kind == refHeld
}

// LocationID returns the referenced location ID when r is a real location.
func (r LocationRef) LocationID() (string, bool) {
	if r.kind != refLocation {
		return "", false
	}
	return r.id, true
}

// Actor returns the holding actor when r is a held-by-actor reference.
func (r LocationRef) Actor() (string, bool) {
	if r.kind != refHeld {
		return "", false
	}
	return r.id, true
}

// Kind returns the storage discriminator ("location" or "held").
func (r LocationRef) Kind() string {
	switch r.kind {
	case refLocation:
		return "location"
	case refHeld:
		return "held"
	default:
		return ""
	}
}

// Key returns the location ID or actor ID, whichever r carries.
func (r LocationRef) Key() string {
	return r.id
}

func (r LocationRef) String() string {
	switch r.kind {
	case refLocation:
		return locationPrefix + r.id
	case refHeld:
		return heldPrefix + r.id
	default:
		return ""
	}
}

// RefFromParts rebuilds a reference from its storage columns.
func RefFromParts(kind, key string) (LocationRef, error) {
	switch kind {
	case "location":
		return AtLocation(key), nil
	case "held":
		return HeldBy(key), nil
	default:
		return LocationRef{}, fmt.Errorf("unknown location kind %q", kind)
	}
}

// ParseLocationRef parses the String form. A bare ID without a prefix is read
// as a real location so callers can pass plain location IDs.
func ParseLocationRef(s string) (LocationRef, error) {
	switch {
	case strings.HasPrefix(s, heldPrefix):
		actor := strings.TrimPrefix(s, heldPrefix)
		if actor == "" {
			return LocationRef{}, &ValidationError{Field: "location", Reason: "held reference without actor"}
		}
		return HeldBy(actor), nil
	case strings.HasPrefix(s, locationPrefix):
		id := strings.TrimPrefix(s, locationPrefix)
		if id == "" {
			return LocationRef{}, &ValidationError{Field: "location", Reason: "location reference without id"}
		}
		return AtLocation(id), nil
	case s == "":
		return LocationRef{}, &ValidationError{Field: "location", Reason: "must not be empty"}
	default:
		return AtLocation(s), nil
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r LocationRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *LocationRef) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = LocationRef{}
		return nil
	}
	ref, err := ParseLocationRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}
