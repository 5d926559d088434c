package semantic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/store"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

func TestSyncer_FlushMakesChangesSearchable(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	syncer := semantic.NewSyncer(idx, s, time.Hour, nil)
	s.Subscribe(syncer)

	shop := mustLocation(t, s, "Workshop", "A dusty room")
	hammer := mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	if got := syncer.Pending(); got != 4 {
		t.Errorf("expected 4 pending refs (2 events, 1 location, 1 object), got %d", got)
	}
	if err := syncer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if syncer.Pending() != 0 {
		t.Errorf("queue not empty after flush")
	}

	results, err := idx.Search(ctx, semantic.Objects, "metal tool", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].EntityID != hammer.ID {
		t.Fatalf("expected hammer after flush, got %v", resultIDs(results))
	}

	if ok, err := s.ModifyObjectProperties(ctx, hammer.ID, world.Properties{"rust_level": 2}, world.ActorTime); err != nil || !ok {
		t.Fatalf("ModifyObjectProperties: ok=%v err=%v", ok, err)
	}
	if err := syncer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	results, err = idx.Search(ctx, semantic.Objects, "metal tool", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("new revision must replace the old one, got %d documents", len(results))
	}
	if want := "obj_" + hammer.ID + "_1"; results[0].DocumentID != want {
		t.Errorf("document id = %q, want %q", results[0].DocumentID, want)
	}
	if got := idx.Stats(ctx).Categories[semantic.Events].Count; got != 3 {
		t.Errorf("expected 3 indexed events, got %d", got)
	}
}

func TestSyncer_ProviderDownNeverBlocksStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	emb := &switchEmbedder{inner: &conceptEmbedder{}, permanent: true}
	idx := openIndex(t, s, emb)
	mustInit(t, idx)

	syncer := semantic.NewSyncer(idx, s, time.Hour, nil)
	s.Subscribe(syncer)
	emb.down.Store(true)

	shop := mustLocation(t, s, "Workshop", "A dusty room")
	obj := mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	if ok, err := s.MoveObject(ctx, obj.ID, world.HeldBy("player"), world.ActorPlayer); err != nil || !ok {
		t.Fatalf("MoveObject with provider down: ok=%v err=%v", ok, err)
	}

	callsBefore := emb.calls.Load()
	err := syncer.Flush(ctx)
	if !errors.Is(err, semantic.ErrUnavailable) {
		t.Fatalf("expected joined ErrUnavailable from flush, got %v", err)
	}
	if syncer.Failed() != 0 {
		t.Errorf("an outage must not drop refs, %d dropped", syncer.Failed())
	}
	if got := syncer.Pending(); got != 5 {
		t.Errorf("expected every ref kept for the next drain, %d pending", got)
	}
	if calls := emb.calls.Load() - callsBefore; calls > 2 {
		t.Errorf("drain must stop at the first provider failure, %d embed calls", calls)
	}

	history, err := s.History(ctx, obj.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("store must keep working, got %d events", len(history))
	}
	if idx.Status() != semantic.StatusUnavailable {
		t.Errorf("status = %q, want unavailable", idx.Status())
	}
}

func TestSyncer_OutageThenRecovery(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	emb := &switchEmbedder{inner: &conceptEmbedder{}, permanent: true}
	idx := openIndex(t, s, emb)
	mustInit(t, idx)

	syncer := semantic.NewSyncer(idx, s, time.Hour, nil)
	s.Subscribe(syncer)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	if err := syncer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	emb.down.Store(true)
	hammer := mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)
	if err := syncer.Flush(ctx); !errors.Is(err, semantic.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable during the outage, got %v", err)
	}
	if got := syncer.Pending(); got != 2 {
		t.Errorf("expected the event and the object kept, %d pending", got)
	}
	emb.down.Store(false)

	// A successful search embed alone must not make the index look complete.
	results, err := idx.Search(ctx, semantic.Objects, "metal tool for hitting", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("hammer cannot be indexed before the next drain: %v", resultIDs(results))
	}
	if got := idx.Status(); got != semantic.StatusUnavailable {
		t.Errorf("status with unindexed changes = %q, want unavailable", got)
	}
	if idx.Stats(ctx).Stale == 0 {
		t.Error("expected stale entities to be reported")
	}

	if err := syncer.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if syncer.Pending() != 0 || syncer.Failed() != 0 {
		t.Errorf("pending=%d failed=%d after recovery", syncer.Pending(), syncer.Failed())
	}
	if got := idx.Status(); got != semantic.StatusReady {
		t.Errorf("status after recovery = %q, want ready", got)
	}
	results, err = idx.Search(ctx, semantic.Objects, "metal tool for hitting", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].EntityID != hammer.ID {
		t.Errorf("expected the hammer after recovery, got %v", resultIDs(results))
	}
}

// unreadableObjects fails every object read the syncer makes.
type unreadableObjects struct {
	*store.Store
}

var errUnreadable = errors.New("disk on fire")

func (unreadableObjects) GetObject(context.Context, string) (*world.Object, error) {
	return nil, errUnreadable
}

func TestSyncer_DropsAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	shop := mustLocation(t, s, "Workshop", "A dusty room")
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	syncer := semantic.NewSyncer(idx, unreadableObjects{s}, time.Hour, nil)
	s.Subscribe(syncer)
	mustObject(t, s, "steel hammer", "A heavy steel hammer", shop.ID)

	for attempt := 1; attempt <= 3; attempt++ {
		err := syncer.Flush(ctx)
		if !errors.Is(err, errUnreadable) {
			t.Fatalf("attempt %d: expected the read error, got %v", attempt, err)
		}
		wantPending := 1
		if attempt == 3 {
			wantPending = 0
		}
		if got := syncer.Pending(); got != wantPending {
			t.Errorf("attempt %d: %d pending, want %d", attempt, got, wantPending)
		}
	}
	if syncer.Failed() != 1 {
		t.Errorf("expected one dropped ref, got %d", syncer.Failed())
	}
	if got := idx.Status(); got != semantic.StatusUnavailable {
		t.Errorf("a dropped change must leave the index unavailable, got %q", got)
	}

	if err := idx.InitializeFromStore(ctx); err != nil {
		t.Fatalf("InitializeFromStore: %v", err)
	}
	if got := idx.Status(); got != semantic.StatusReady {
		t.Errorf("a rebuild must clear stale entities, got %q", got)
	}
}

func TestSyncer_RunDrainsInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	idx := openIndex(t, s, &conceptEmbedder{})
	mustInit(t, idx)

	syncer := semantic.NewSyncer(idx, s, 10*time.Millisecond, nil)
	s.Subscribe(syncer)
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	shop := mustLocation(t, s, "Workshop", "A dusty room")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if idx.Stats(ctx).Categories[semantic.Locations].Count == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	results, err := idx.Search(context.Background(), semantic.Locations, "workshop", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].EntityID != shop.ID {
		t.Errorf("background drain did not index the location: %v", resultIDs(results))
	}

	syncer.Stop()
	syncer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
