package semantic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// Category names one of the three collections the index keeps.
type Category string

const (
	Objects   Category = "objects"
	Locations Category = "locations"
	Events    Category = "events"
)

// Categories lists every collection in a fixed order.
var Categories = []Category{Objects, Locations, Events}

// ParseCategory accepts the plural collection name or its singular form.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "objects", "object":
		return Objects, nil
	case "locations", "location":
		return Locations, nil
	case "events", "event":
		return Events, nil
	}
	return "", &world.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
}

// Document is the unit stored in a collection: the rendered text of one
// entity revision plus a metadata snapshot.
type Document struct {
	ID       string         `json:"id"`
	EntityID string         `json:"entity_id"`
	Category Category       `json:"category"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// ObjectDocument renders an object. The bulk rebuild, incremental upserts
// and similarity queries all go through here.
func ObjectDocument(o world.Object) Document {
	parts := []string{
		"Name: " + o.Name,
		"Description: " + o.Description,
	}
	parts = append(parts, renderProperties(o.Properties)...)
	return Document{
		ID:       fmt.Sprintf("obj_%s_%d", o.ID, o.Version),
		EntityID: o.ID,
		Category: Objects,
		Text:     strings.Join(parts, " | "),
		Metadata: map[string]any{
			"name":          o.Name,
			"location":      o.Location.String(),
			"version":       o.Version,
			"last_modified": o.LastModified.UTC().Format(time.RFC3339),
		},
	}
}

// LocationDocument renders a location with its exits.
func LocationDocument(l world.Location) Document {
	parts := []string{
		"Location: " + l.Name,
		l.Description,
	}
	if len(l.Connections) > 0 {
		dirs := make([]string, 0, len(l.Connections))
		for dir := range l.Connections {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		parts = append(parts, "Connected to: "+strings.Join(dirs, ", "))
	}
	parts = append(parts, renderProperties(l.Properties)...)
	return Document{
		ID:       "loc_" + l.ID,
		EntityID: l.ID,
		Category: Locations,
		Text:     strings.Join(parts, " | "),
		Metadata: map[string]any{
			"name":        l.Name,
			"connections": len(l.Connections),
		},
	}
}

// EventDocument renders an event. Only scalar context values are included;
// nested snapshots would drown the action text.
func EventDocument(e world.Event) Document {
	parts := []string{
		"Event: " + e.Action,
		"Timestamp: " + e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.Target != "" {
		parts = append(parts, "Object: "+e.Target)
	}
	if e.LocationID != "" {
		parts = append(parts, "Location: "+e.LocationID)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := scalarText(e.Context[k]); ok {
			parts = append(parts, k+": "+s)
		}
	}
	return Document{
		ID:       "evt_" + e.ID,
		EntityID: e.ID,
		Category: Events,
		Text:     strings.Join(parts, " | "),
		Metadata: map[string]any{
			"event_type":  string(e.Type),
			"actor":       e.Actor,
			"target":      e.Target,
			"location_id": e.LocationID,
			"seq":         e.Seq,
		},
	}
}

func renderProperties(p world.Properties) []string {
	out := make([]string, 0, len(p))
	for _, k := range p.Keys() {
		if s, ok := scalarText(p[k]); ok {
			out = append(out, k+": "+s)
		} else {
			out = append(out, fmt.Sprintf("%s: %v", k, p[k]))
		}
	}
	return out
}

func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case nil:
		return "", false
	}
	return "", false
}
