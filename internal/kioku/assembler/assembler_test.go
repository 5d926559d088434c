package assembler_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/store"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// wordEmbedder maps a handful of words onto fixed dimensions.
type wordEmbedder struct{}

var dims = map[string]int{
	"iron": 0, "steel": 0, "metal": 0,
	"sword": 1, "blade": 1, "sharp": 1,
	"lamp": 2, "lantern": 2, "light": 2,
}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := []float32{0, 0, 0, 0.1}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if d, ok := dims[strings.Trim(w, ".,:|")]; ok {
			vec[d]++
		}
	}
	return vec, nil
}

type fixture struct {
	store  *store.Store
	armory *world.Location
	sword  *world.Object
	blade  *world.Object
	lamp   *world.Object
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(filepath.Join(t.TempDir(), "kioku-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s}
	f.armory, err = s.CreateLocation(ctx, "Armory", "Racks line the walls", world.Connections{"south": "yard"}, nil)
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	f.sword, _ = s.CreateObject(ctx, "iron sword", "A sharp iron sword", f.armory.ID, world.Properties{"material": "iron"})
	f.blade, _ = s.CreateObject(ctx, "steel blade", "A sharp steel blade", f.armory.ID, nil)
	f.lamp, _ = s.CreateObject(ctx, "brass lamp", "A lamp giving light", f.armory.ID, nil)
	if ok, err := s.MoveObject(ctx, f.lamp.ID, world.HeldBy("player"), world.ActorPlayer); !ok || err != nil {
		t.Fatalf("MoveObject: ok=%v err=%v", ok, err)
	}
	return f
}

func (f *fixture) index(t *testing.T, e semantic.Embedder) *semantic.Index {
	t.Helper()
	idx, err := semantic.Open(context.Background(), f.store.DB(), f.store, e)
	if err != nil {
		t.Fatalf("semantic.Open: %v", err)
	}
	return idx
}

func TestAssemble_StructuralFacts(t *testing.T) {
	f := newFixture(t)
	a := assembler.New(f.store, nil, nil)

	b, err := a.Assemble(context.Background(), assembler.Request{
		LocationID:  f.armory.ID,
		Actor:       "player",
		RecentLimit: 2,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.Location.ID != f.armory.ID {
		t.Errorf("location = %q", b.Location.ID)
	}
	if len(b.ObjectsPresent) != 2 || b.ObjectsPresent[0].ID != f.sword.ID || b.ObjectsPresent[1].ID != f.blade.ID {
		t.Errorf("unexpected objects present: %+v", b.ObjectsPresent)
	}
	if len(b.Inventory) != 1 || b.Inventory[0].ID != f.lamp.ID {
		t.Errorf("unexpected inventory: %+v", b.Inventory)
	}
	if len(b.RecentEvents) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(b.RecentEvents))
	}
	if b.RecentEvents[0].Type != world.ObjectMoved {
		t.Errorf("newest event should come first, got %s", b.RecentEvents[0].Type)
	}
	if b.SemanticAvailable {
		t.Error("no index configured: semantic must be flagged unavailable")
	}
}

func TestAssemble_UnknownLocation(t *testing.T) {
	f := newFixture(t)
	a := assembler.New(f.store, nil, nil)
	_, err := a.Assemble(context.Background(), assembler.Request{LocationID: "nowhere"})
	if !errors.Is(err, world.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAssemble_DegradedWhenProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	idx := f.index(t, semantic.NoopEmbedder{})
	a := assembler.New(f.store, idx, nil)

	b, err := a.Assemble(context.Background(), assembler.Request{
		LocationID: f.armory.ID,
		Query:      "a weapon",
	})
	if err != nil {
		t.Fatalf("Assemble must not fail when the index is down: %v", err)
	}
	if b == nil || len(b.ObjectsPresent) != 2 || len(b.RecentEvents) == 0 {
		t.Fatalf("structural facts missing: %+v", b)
	}
	if b.SemanticAvailable {
		t.Error("expected semantic unavailable flag")
	}
	if b.SemanticStatus != semantic.StatusUnavailable {
		t.Errorf("status = %q", b.SemanticStatus)
	}
	if b.SemanticError == "" {
		t.Error("expected the failure to be reported")
	}
	if out := assembler.Render(b); !strings.Contains(out, "Semantic memory: unavailable") {
		t.Errorf("render should flag unavailability:\n%s", out)
	}
}

func TestAssemble_WithQuery(t *testing.T) {
	f := newFixture(t)
	idx := f.index(t, wordEmbedder{})
	if err := idx.InitializeFromStore(context.Background()); err != nil {
		t.Fatalf("InitializeFromStore: %v", err)
	}
	a := assembler.New(f.store, idx, nil)
	a.MatchLimit = 3

	b, err := a.Assemble(context.Background(), assembler.Request{
		LocationID: f.armory.ID,
		Actor:      "player",
		Query:      "sharp sword",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !b.SemanticAvailable || b.SemanticStatus != semantic.StatusReady {
		t.Fatalf("expected semantic facts, got status %q (%s)", b.SemanticStatus, b.SemanticError)
	}
	if len(b.SemanticMatches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(b.SemanticMatches))
	}
	for i := 1; i < len(b.SemanticMatches); i++ {
		if b.SemanticMatches[i].Score > b.SemanticMatches[i-1].Score {
			t.Errorf("matches not sorted by score")
		}
	}
	if len(b.Patterns) != 1 {
		t.Errorf("expected the sword/blade pattern, got %+v", b.Patterns)
	}

	out := assembler.Render(b)
	for _, want := range []string{"Location: Armory", "Exits: south", "iron sword", "Carrying:", "brass lamp", "Related memories:", "Patterns:"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestAssemble_IsStateless(t *testing.T) {
	f := newFixture(t)
	idx := f.index(t, wordEmbedder{})
	if err := idx.InitializeFromStore(context.Background()); err != nil {
		t.Fatalf("InitializeFromStore: %v", err)
	}
	a := assembler.New(f.store, idx, nil)
	req := assembler.Request{LocationID: f.armory.ID, Actor: "player", Query: "light"}

	first, err := a.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	second, err := a.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two calls without a mutation differ:\n%+v\n%+v", first, second)
	}
}
