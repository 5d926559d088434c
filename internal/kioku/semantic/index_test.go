package semantic_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/store"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

func TestSearch_RanksByMeaning(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	hammer := mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	spoon := mustObject(t, s, "wooden spoon", "A carved wooden spoon", shop.ID)

	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	results, err := idx.Search(ctx, semantic.Objects, "metal tool for hitting", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].EntityID != hammer.ID || results[1].EntityID != spoon.ID {
		t.Errorf("expected hammer before spoon, got %v", resultIDs(results))
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %v out of [0,1]", r.Score)
		}
		if i > 0 && r.Score > results[i-1].Score {
			t.Errorf("scores not non-increasing at %d: %v > %v", i, r.Score, results[i-1].Score)
		}
	}
	if results[0].DocumentID != "obj_"+hammer.ID+"_0" {
		t.Errorf("unexpected document id %q", results[0].DocumentID)
	}
	if results[0].Metadata["name"] != "steel hammer" {
		t.Errorf("metadata name = %v", results[0].Metadata["name"])
	}
}

func TestSearch_FloorAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	mustObject(t, s, "iron tongs", "Iron tongs", shop.ID)
	mustObject(t, s, "wooden spoon", "A carved wooden spoon", shop.ID)

	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	limited, err := idx.Search(ctx, semantic.Objects, "metal tool", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 result with limit 1, got %d", len(limited))
	}

	floored, err := idx.Search(ctx, semantic.Objects, "metal tool", 10, semantic.WithFloor(0.5))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range floored {
		if r.Score < 0.5 {
			t.Errorf("result %s scored %v below floor", r.EntityID, r.Score)
		}
		if strings.Contains(r.Text, "spoon") {
			t.Errorf("spoon should fall below the floor")
		}
	}
	if len(floored) != 2 {
		t.Errorf("expected hammer and tongs above the floor, got %d results", len(floored))
	}
}

// Locations with no concept words all embed to the same vector, so their
// scores tie and the result keeps creation order.
func TestSearch_TiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var want []string
	for _, name := range []string{"Attic", "Cellar", "Garden", "Hall"} {
		want = append(want, mustLocation(t, s, name, "A quiet place").ID)
	}

	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	results, err := idx.Search(ctx, semantic.Locations, "lamp", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := resultIDs(results); !reflect.DeepEqual(got, want) {
		t.Errorf("tie order = %v, want %v", got, want)
	}
}

func TestSearch_Validation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	if _, err := idx.Search(ctx, semantic.Objects, "  ", 5); !errors.Is(err, world.ErrValidation) {
		t.Errorf("blank query: expected ErrValidation, got %v", err)
	}
	if _, err := idx.Search(ctx, semantic.Category("furniture"), "chair", 5); !errors.Is(err, world.ErrValidation) {
		t.Errorf("unknown category: expected ErrValidation, got %v", err)
	}
}

func TestSearch_UninitializedIsUnavailableNotEmpty(t *testing.T) {
	s := newStore(t)
	mustLocation(t, s, "Workshop", "A dusty room")
	idx := openIndex(t, s, &conceptEmbedder{})

	if got := idx.Status(); got != semantic.StatusUninitialized {
		t.Fatalf("status = %q, want %q", got, semantic.StatusUninitialized)
	}
	_, err := idx.Search(context.Background(), semantic.Locations, "workshop", 5)
	if !errors.Is(err, semantic.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before initialization, got %v", err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	mustObject(t, s, "brass lantern", "A brass lantern", shop.ID)
	mustObject(t, s, "wooden spoon", "A carved wooden spoon", shop.ID)

	idx := openIndex(t, s, &conceptEmbedder{})

	mustInit(t, idx)
	first, err := idx.Search(ctx, semantic.Objects, "metal", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	mustInit(t, idx)
	second, err := idx.Search(ctx, semantic.Objects, "metal", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !reflect.DeepEqual(resultIDs(first), resultIDs(second)) {
		t.Errorf("rebuild changed results: %v vs %v", resultIDs(first), resultIDs(second))
	}
	st := idx.Stats(ctx)
	if st.Categories[semantic.Objects].Count != 3 || st.Categories[semantic.Locations].Count != 1 {
		t.Errorf("unexpected counts after rebuild: %+v", st.Categories)
	}
	if st.Categories[semantic.Events].Count != 4 {
		t.Errorf("expected 4 indexed events, got %d", st.Categories[semantic.Events].Count)
	}
}

func TestInitialize_FailsClosed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)

	emb := &switchEmbedder{inner: &conceptEmbedder{}, permanent: true}
	idx := openIndex(t, s, emb)
	mustInit(t, idx)
	before := idx.Stats(ctx)

	mustObject(t, s, "iron tongs", "Iron tongs", shop.ID)
	emb.down.Store(true)

	err := idx.InitializeFromStore(ctx)
	if !errors.Is(err, semantic.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := idx.Status(); got != semantic.StatusUnavailable {
		t.Errorf("status = %q, want unavailable", got)
	}
	after := idx.Stats(ctx)
	if after.Categories[semantic.Objects].Count != before.Categories[semantic.Objects].Count {
		t.Errorf("failed rebuild replaced the collections: %d -> %d",
			before.Categories[semantic.Objects].Count, after.Categories[semantic.Objects].Count)
	}
	if after.LastError == "" {
		t.Error("expected last error to be reported")
	}
	if _, err := idx.Search(ctx, semantic.Objects, "metal", 5); !errors.Is(err, semantic.ErrUnavailable) {
		t.Errorf("search while provider down: expected ErrUnavailable, got %v", err)
	}

	emb.down.Store(false)
	if _, err := idx.Search(ctx, semantic.Objects, "metal", 5); err != nil {
		t.Fatalf("search after recovery: %v", err)
	}
	if got := idx.Status(); got != semantic.StatusReady {
		t.Errorf("status after recovery = %q, want ready", got)
	}
}

func TestEmbed_RetriedOnce(t *testing.T) {
	s := newStore(t)
	emb := &switchEmbedder{inner: &conceptEmbedder{}}
	idx := openIndex(t, s, emb)
	mustInit(t, idx)

	emb.down.Store(true)
	emb.calls.Store(0)
	_, err := idx.Search(context.Background(), semantic.Objects, "metal", 5)
	if !errors.Is(err, semantic.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := emb.calls.Load(); got != 2 {
		t.Errorf("expected exactly 2 embed attempts, got %d", got)
	}
}

func TestNoopEmbedder_IsUnavailable(t *testing.T) {
	s := newStore(t)
	mustLocation(t, s, "Workshop", "A dusty room")
	idx := openIndex(t, s, semantic.NoopEmbedder{})

	if got := idx.Status(); got != semantic.StatusUnavailable {
		t.Errorf("status = %q, want unavailable", got)
	}
	if err := idx.InitializeFromStore(context.Background()); !errors.Is(err, semantic.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if idx.Available() {
		t.Error("noop-backed index must not report available")
	}
}

func TestFindSimilarTo_ExcludesSelf(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	hammer := mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	tongs := mustObject(t, s, "iron tongs", "Iron tongs", shop.ID)
	mustObject(t, s, "wooden spoon", "A carved wooden spoon", shop.ID)

	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	results, err := idx.FindSimilarTo(ctx, hammer.ID, 5)
	if err != nil {
		t.Fatalf("FindSimilarTo: %v", err)
	}
	for _, r := range results {
		if r.EntityID == hammer.ID {
			t.Fatal("reference object must be excluded")
		}
	}
	if len(results) != 2 || results[0].EntityID != tongs.ID {
		t.Errorf("expected tongs first of 2 results, got %v", resultIDs(results))
	}

	if _, err := idx.FindSimilarTo(ctx, "missing", 5); !errors.Is(err, world.ErrNotFound) {
		t.Errorf("unknown object: expected ErrNotFound, got %v", err)
	}
}

func TestAnalyzePatterns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	armory := mustLocation(t, s, "Armory", "A stone room")
	yard := mustLocation(t, s, "Yard", "An open yard")
	sword := mustObject(t, s, "iron sword", "A sharp iron sword", armory.ID)
	blade := mustObject(t, s, "steel blade", "A sharp steel blade", armory.ID)
	spoon := mustObject(t, s, "wooden spoon", "A carved wooden spoon", armory.ID)

	// Objects that left still count as observed at the armory.
	if ok, err := s.MoveObject(ctx, blade.ID, world.AtLocation(yard.ID), world.ActorPlayer); err != nil || !ok {
		t.Fatalf("MoveObject: ok=%v err=%v", ok, err)
	}

	idx := openIndex(t, s, &conceptEmbedder{})
	report, err := idx.AnalyzePatterns(ctx, armory.ID)
	if err != nil {
		t.Fatalf("AnalyzePatterns: %v", err)
	}
	if report.Objects != 3 {
		t.Errorf("expected 3 objects considered, got %d", report.Objects)
	}
	if report.Count != 1 || len(report.Patterns) != 1 {
		t.Fatalf("expected exactly 1 pattern, got %+v", report.Patterns)
	}
	p := report.Patterns[0]
	pair := map[string]bool{p.A.ID: true, p.B.ID: true}
	if !pair[sword.ID] || !pair[blade.ID] {
		t.Errorf("expected sword/blade pattern, got %s/%s", p.A.Name, p.B.Name)
	}
	if pair[spoon.ID] {
		t.Error("unrelated spoon must not form a pattern")
	}
	if p.Similarity <= 0.3 {
		t.Errorf("pattern similarity %v not above threshold", p.Similarity)
	}
	if report.Summary != "Found 1 patterns in 3 objects" {
		t.Errorf("summary = %q", report.Summary)
	}
}

func TestAnalyzePatterns_ThresholdFromSettings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	armory := mustLocation(t, s, "Armory", "A stone room")
	mustObject(t, s, "iron sword", "A sharp iron sword", armory.ID)
	mustObject(t, s, "steel blade", "A sharp steel blade", armory.ID)

	st := settings.New(s.DB())
	if err := st.Set(ctx, settings.KeyPatternThreshold, "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	idx := openIndex(t, s, &conceptEmbedder{}, semantic.WithSettings(st))

	report, err := idx.AnalyzePatterns(ctx, armory.ID)
	if err != nil {
		t.Fatalf("AnalyzePatterns: %v", err)
	}
	if report.Threshold != 1 {
		t.Errorf("threshold = %v, want 1", report.Threshold)
	}
	if report.Count != 0 {
		t.Errorf("no pair can exceed a threshold of 1, got %d", report.Count)
	}
}

func TestAnalyzePatterns_UnknownLocation(t *testing.T) {
	s := newStore(t)
	idx := openIndex(t, s, &conceptEmbedder{})
	if _, err := idx.AnalyzePatterns(context.Background(), "nowhere"); !errors.Is(err, world.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventWindow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	lamp := mustObject(t, s, "brass lamp", "A brass lamp", shop.ID)
	for i := 0; i < 3; i++ {
		s.ModifyObjectProperties(ctx, lamp.ID, world.Properties{"lit": i%2 == 0}, world.ActorPlayer)
	}

	idx := openIndex(t, s, &conceptEmbedder{}, semantic.WithConfig(semantic.Config{EventWindow: 3}))
	mustInit(t, idx)
	if got := idx.Stats(ctx).Categories[semantic.Events].Count; got != 3 {
		t.Fatalf("expected 3 events in window, got %d", got)
	}

	syncer := semantic.NewSyncer(idx, s, 0, nil)
	s.Subscribe(syncer)
	s.ModifyObjectProperties(ctx, lamp.ID, world.Properties{"lit": true}, world.ActorPlayer)
	if err := syncer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := idx.Stats(ctx).Categories[semantic.Events].Count; got != 3 {
		t.Errorf("window not enforced on upsert: %d events", got)
	}

	results, err := idx.Search(ctx, semantic.Events, "lamp", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 event results, got %d", len(results))
	}
}

func TestPersistedIndexSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kioku.db")

	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	hammer := mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	mustObject(t, s, "wooden spoon", "A carved wooden spoon", shop.ID)
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)
	want, err := idx.Search(ctx, semantic.Objects, "metal tool", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	s.Close()

	s2, err := store.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { s2.Close() })
	emb := &conceptEmbedder{}
	idx2 := openIndex(t, s2, emb)
	if got := idx2.Status(); got != semantic.StatusReady {
		t.Fatalf("reopened status = %q, want ready", got)
	}
	callsAfterOpen := emb.calls.Load()
	got, err := idx2.Search(ctx, semantic.Objects, "metal tool", 5)
	if err != nil {
		t.Fatalf("Search after restart: %v", err)
	}
	if !reflect.DeepEqual(resultIDs(got), resultIDs(want)) || got[0].EntityID != hammer.ID {
		t.Errorf("results changed across restart: %v vs %v", resultIDs(got), resultIDs(want))
	}
	if n := emb.calls.Load() - callsAfterOpen; n != 1 {
		t.Errorf("expected only the query to be embedded after restart, got %d calls", n)
	}
}

func TestStats_ReportsEventWindowOverride(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	st := settings.New(s.DB())
	idx := openIndex(t, s, &conceptEmbedder{},
		semantic.WithConfig(semantic.Config{EventWindow: 50}),
		semantic.WithSettings(st),
	)
	if got := idx.Stats(ctx).EventWindow; got != 50 {
		t.Errorf("event window = %d, want 50", got)
	}
	if err := st.Set(ctx, settings.KeyEventWindow, "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := idx.Stats(ctx).EventWindow; got != 2 {
		t.Errorf("event window = %d, want the override 2", got)
	}
}

// gatedEmbedder holds every text containing hold until release is closed,
// while armed.
type gatedEmbedder struct {
	inner   semantic.Embedder
	hold    string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.armed.Load() && strings.Contains(text, e.hold) {
		e.once.Do(func() { close(e.entered) })
		<-e.release
	}
	return e.inner.Embed(ctx, text)
}

func TestUpsert_DuringRebuildIsNotLost(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)

	emb := &gatedEmbedder{
		inner:   &conceptEmbedder{},
		hold:    "hammer",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	idx := openIndex(t, s, emb)
	emb.armed.Store(true)

	rebuilt := make(chan error, 1)
	go func() { rebuilt <- idx.InitializeFromStore(ctx) }()
	select {
	case <-emb.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("rebuild never reached the embedder")
	}
	emb.armed.Store(false)

	// The rebuild has already collected its documents; tongs are not among them.
	tongs := mustObject(t, s, "iron tongs", "Iron tongs", shop.ID)
	upserted := make(chan error, 1)
	go func() { upserted <- idx.UpsertObject(ctx, *tongs) }()
	time.Sleep(20 * time.Millisecond)
	close(emb.release)

	if err := <-rebuilt; err != nil {
		t.Fatalf("InitializeFromStore: %v", err)
	}
	if err := <-upserted; err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}
	if got := idx.Stats(ctx).Categories[semantic.Objects].Count; got != 2 {
		t.Errorf("expected hammer and tongs indexed, got %d objects", got)
	}

	reopened := openIndex(t, s, &conceptEmbedder{})
	if got := reopened.Stats(ctx).Categories[semantic.Objects].Count; got != 2 {
		t.Errorf("expected both objects persisted, got %d", got)
	}
}

func TestUpsert_ConcurrentWithSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	const n = 20
	objs := make([]*world.Object, n)
	for i := range objs {
		objs[i] = mustObject(t, s, "brass lamp", "A brass lamp", shop.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for _, o := range objs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- idx.UpsertObject(ctx, *o)
		}()
		go func() {
			defer wg.Done()
			_, err := idx.Search(ctx, semantic.Objects, "lamp", 5)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent call failed: %v", err)
		}
	}

	if got := idx.Stats(ctx).Categories[semantic.Objects].Count; got != n {
		t.Errorf("expected %d objects, got %d", n, got)
	}
	reopened := openIndex(t, s, &conceptEmbedder{})
	if got := reopened.Stats(ctx).Categories[semantic.Objects].Count; got != n {
		t.Errorf("expected %d persisted objects, got %d", n, got)
	}
	if idx.Status() != semantic.StatusReady {
		t.Errorf("status = %q", idx.Status())
	}
}

func TestInvalidate_ForcesRebuildOnReopen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustLocation(t, s, "Workshop", "A dusty room")
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	if err := idx.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if got := idx.Status(); got != semantic.StatusUninitialized {
		t.Errorf("status = %q, want uninitialized", got)
	}
	if got := openIndex(t, s, &conceptEmbedder{}).Status(); got != semantic.StatusUninitialized {
		t.Errorf("reopened status = %q, want uninitialized", got)
	}
}
