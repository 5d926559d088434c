package semantic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

func TestObjectDocument(t *testing.T) {
	o := world.Object{
		ID:          "h1",
		Name:        "rusty hammer",
		Description: "An old hammer",
		Location:    world.HeldBy("player"),
		Properties:  world.Properties{"rust_level": float64(3), "material": "iron"},
		Version:     3,
	}
	doc := semantic.ObjectDocument(o)
	if doc.ID != "obj_h1_3" {
		t.Errorf("ID = %q", doc.ID)
	}
	want := "Name: rusty hammer | Description: An old hammer | material: iron | rust_level: 3"
	if doc.Text != want {
		t.Errorf("Text = %q, want %q", doc.Text, want)
	}
	if doc.Metadata["location"] != "held:player" {
		t.Errorf("metadata location = %v", doc.Metadata["location"])
	}
}

func TestLocationDocument(t *testing.T) {
	l := world.Location{
		ID:          "w1",
		Name:        "Workshop",
		Description: "A dusty room",
		Connections: world.Connections{"north": "hall", "east": "yard"},
	}
	doc := semantic.LocationDocument(l)
	want := "Location: Workshop | A dusty room | Connected to: east, north"
	if doc.Text != want {
		t.Errorf("Text = %q, want %q", doc.Text, want)
	}
	if doc.ID != "loc_w1" || doc.Category != semantic.Locations {
		t.Errorf("unexpected identity %q/%q", doc.ID, doc.Category)
	}
}

func TestEventDocument_SkipsNestedContext(t *testing.T) {
	e := world.Event{
		ID:         "e1",
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Type:       world.Custom,
		Actor:      "player",
		Action:     "lit the lamp",
		Target:     "lamp",
		LocationID: "hall",
		Context: map[string]any{
			"mood":     "hopeful",
			"snapshot": map[string]any{"lit": true},
		},
	}
	doc := semantic.EventDocument(e)
	want := "Event: lit the lamp | Timestamp: 2024-05-01T12:00:00Z | Object: lamp | Location: hall | mood: hopeful"
	if doc.Text != want {
		t.Errorf("Text = %q, want %q", doc.Text, want)
	}
}

func TestParseCategory(t *testing.T) {
	for in, want := range map[string]semantic.Category{
		"objects":   semantic.Objects,
		"Object":    semantic.Objects,
		"locations": semantic.Locations,
		" event ":   semantic.Events,
	} {
		got, err := semantic.ParseCategory(in)
		if err != nil || got != want {
			t.Errorf("ParseCategory(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := semantic.ParseCategory("people"); !errors.Is(err, world.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
