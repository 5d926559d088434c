package semantic_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/store"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// concepts groups words that the fake embedder treats as one dimension, so
// "steel" and "metal" land close together without a real model.
var concepts = [][]string{
	{"metal", "metallic", "steel", "iron", "brass"},
	{"tool", "tools", "hammer", "wrench", "saw", "tongs"},
	{"hit", "hitting", "strike", "striking", "hammer", "pound"},
	{"wood", "wooden", "oak", "timber", "carved"},
	{"kitchen", "spoon", "ladle", "cook", "cooking", "soup"},
	{"light", "lamp", "lantern", "candle"},
	{"sword", "blade", "weapon", "sharp"},
}

// conceptEmbedder is a deterministic bag-of-concepts embedder. A small bias
// dimension keeps every vector non-zero.
type conceptEmbedder struct {
	calls atomic.Int64
}

func (e *conceptEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	vec := make([]float32, len(concepts)+1)
	vec[len(concepts)] = 0.1
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		for dim, group := range concepts {
			for _, c := range group {
				if w == c {
					vec[dim]++
				}
			}
		}
	}
	return vec, nil
}

// switchEmbedder fails every call while down is set.
type switchEmbedder struct {
	inner semantic.Embedder
	down  atomic.Bool
	// permanent makes failures skip the retry.
	permanent bool
	calls     atomic.Int64
}

var errProviderDown = errors.New("provider down")

func (e *switchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.down.Load() {
		if e.permanent {
			return nil, retry.Permanent(errProviderDown)
		}
		return nil, errProviderDown
	}
	return e.inner.Embed(ctx, text)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kioku-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openIndex(t *testing.T, s *store.Store, e semantic.Embedder, opts ...semantic.Option) *semantic.Index {
	t.Helper()
	idx, err := semantic.Open(context.Background(), s.DB(), s, e, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return idx
}

func mustLocation(t *testing.T, s *store.Store, name, description string) *world.Location {
	t.Helper()
	loc, err := s.CreateLocation(context.Background(), name, description, nil, nil)
	if err != nil {
		t.Fatalf("CreateLocation(%q): %v", name, err)
	}
	return loc
}

func mustObject(t *testing.T, s *store.Store, name, description, locationID string) *world.Object {
	t.Helper()
	obj, err := s.CreateObject(context.Background(), name, description, locationID, nil)
	if err != nil {
		t.Fatalf("CreateObject(%q): %v", name, err)
	}
	return obj
}

func mustInit(t *testing.T, idx *semantic.Index) {
	t.Helper()
	if err := idx.InitializeFromStore(context.Background()); err != nil {
		t.Fatalf("InitializeFromStore: %v", err)
	}
}

func resultIDs(results []semantic.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.EntityID
	}
	return ids
}
