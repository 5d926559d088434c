// Package seed loads a starting world from YAML and creates it through the
// store, so a seeded world has the same event history as one built by hand.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "kioku://seed.schema.json"

// World is the decoded seed file.
type World struct {
	Locations []Location `yaml:"locations"`
	Objects   []Object   `yaml:"objects"`
	Events    []Event    `yaml:"events"`
}

// Location is a seeded location. Connection targets name other location
// keys; a target that is not a key in the file is kept verbatim as a
// forward reference.
type Location struct {
	Key         string            `yaml:"key"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Connections map[string]string `yaml:"connections"`
	Properties  map[string]any    `yaml:"properties"`
}

// Object is a seeded object placed either at a location key or in an
// actor's hands.
type Object struct {
	Key         string         `yaml:"key"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Location    string         `yaml:"location"`
	HeldBy      string         `yaml:"held_by"`
	Properties  map[string]any `yaml:"properties"`
}

// Event is a seeded custom event. Target and Location may be keys.
type Event struct {
	Actor    string         `yaml:"actor"`
	Action   string         `yaml:"action"`
	Target   string         `yaml:"target"`
	Location string         `yaml:"location"`
	Context  map[string]any `yaml:"context"`
}

// Load reads and validates the seed file at path.
func Load(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates data against the embedded schema and decodes it.
func Parse(data []byte) (*World, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("seed: parse yaml: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var w World
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("seed: decode world: %w", err)
	}
	if err := w.checkKeys(); err != nil {
		return nil, err
	}
	return &w, nil
}

func validate(raw any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("seed: load schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("seed: compile schema: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON value types.
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("seed: convert to json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("seed: convert to json: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	if err := schema.Validate(v); err != nil {
		return &world.ValidationError{Field: "seed", Reason: err.Error()}
	}
	return nil
}

func (w *World) checkKeys() error {
	locs := make(map[string]bool, len(w.Locations))
	for _, l := range w.Locations {
		if locs[l.Key] {
			return &world.ValidationError{Field: "locations", Reason: fmt.Sprintf("duplicate key %q", l.Key)}
		}
		locs[l.Key] = true
	}
	objs := make(map[string]bool, len(w.Objects))
	for _, o := range w.Objects {
		if objs[o.Key] {
			return &world.ValidationError{Field: "objects", Reason: fmt.Sprintf("duplicate key %q", o.Key)}
		}
		objs[o.Key] = true
		if o.Location != "" && !locs[o.Location] {
			return &world.ValidationError{Field: "objects", Reason: fmt.Sprintf("object %q placed at unknown location %q", o.Key, o.Location)}
		}
	}
	return nil
}

// Engine is the write side Apply drives. *store.Store satisfies it.
type Engine interface {
	CreateLocation(ctx context.Context, name, description string, connections world.Connections, properties world.Properties) (*world.Location, error)
	UpdateLocationConnections(ctx context.Context, locationID string, connections world.Connections, actor string) (bool, error)
	CreateObjectAt(ctx context.Context, name, description string, placement world.LocationRef, properties world.Properties) (*world.Object, error)
	RecordEvent(ctx context.Context, ce world.CustomEvent) (*world.Event, error)
}

// Result maps seed keys to the IDs the store assigned.
type Result struct {
	Locations map[string]string `json:"locations"`
	Objects   map[string]string `json:"objects"`
	Events    int               `json:"events"`
}

// Apply creates the world. Locations are created first without exits, then
// their connections are set once every key has an ID, so a location may
// point at one defined later in the file.
func Apply(ctx context.Context, e Engine, w *World) (*Result, error) {
	res := &Result{
		Locations: make(map[string]string, len(w.Locations)),
		Objects:   make(map[string]string, len(w.Objects)),
	}

	for _, l := range w.Locations {
		loc, err := e.CreateLocation(ctx, l.Name, l.Description, nil, world.Properties(l.Properties))
		if err != nil {
			return res, fmt.Errorf("seed: location %q: %w", l.Key, err)
		}
		res.Locations[l.Key] = loc.ID
	}

	for _, l := range w.Locations {
		if len(l.Connections) == 0 {
			continue
		}
		conns := make(world.Connections, len(l.Connections))
		for dir, target := range l.Connections {
			conns[dir] = resolve(res.Locations, target)
		}
		if _, err := e.UpdateLocationConnections(ctx, res.Locations[l.Key], conns, world.ActorSystem); err != nil {
			return res, fmt.Errorf("seed: connections of %q: %w", l.Key, err)
		}
	}

	for _, o := range w.Objects {
		placement := world.HeldBy(o.HeldBy)
		if o.Location != "" {
			placement = world.AtLocation(res.Locations[o.Location])
		}
		obj, err := e.CreateObjectAt(ctx, o.Name, o.Description, placement, world.Properties(o.Properties))
		if err != nil {
			return res, fmt.Errorf("seed: object %q: %w", o.Key, err)
		}
		res.Objects[o.Key] = obj.ID
	}

	for n, ev := range w.Events {
		actor := ev.Actor
		if actor == "" {
			actor = world.ActorSystem
		}
		target := resolve(res.Objects, ev.Target)
		if target == ev.Target {
			target = resolve(res.Locations, ev.Target)
		}
		if _, err := e.RecordEvent(ctx, world.CustomEvent{
			Actor:      actor,
			Action:     ev.Action,
			Target:     target,
			LocationID: resolve(res.Locations, ev.Location),
			Context:    ev.Context,
		}); err != nil {
			return res, fmt.Errorf("seed: event %d: %w", n, err)
		}
		res.Events++
	}
	return res, nil
}

func resolve(ids map[string]string, key string) string {
	if id, ok := ids[key]; ok {
		return id
	}
	return key
}
