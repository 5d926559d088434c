package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// DefaultDrainInterval is how often a running Syncer drains its queue when
// nothing wakes it earlier.
const DefaultDrainInterval = 2 * time.Second

// maxSyncAttempts bounds how often a ref that fails for a reason other than
// an unavailable provider is retried before it is dropped.
const maxSyncAttempts = 3

type syncRef struct {
	category Category
	id       string
}

// Syncer keeps the index current with the store. Registered as a store
// listener it queues every committed event together with the entity the
// event changed, and a background loop re-renders and upserts them.
//
// A change is searchable within one drain cycle of its commit, and at once
// after Flush returns. While the provider is unavailable nothing is dropped:
// the drain stops at the first failure and the queue waits for the next
// cycle, so the window closes one cycle after the provider recovers. Other
// failures are retried up to maxSyncAttempts drains and then dropped; the
// index stays unavailable until a rebuild covers the dropped entity.
type Syncer struct {
	index    *Index
	src      Source
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	pending  []syncRef
	queued   map[syncRef]world.Event
	attempts map[syncRef]int

	// drainMu keeps the loop and Flush from draining at the same time, so
	// upserts land in commit order.
	drainMu sync.Mutex
	wake    chan struct{}
	failed  atomic.Int64

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewSyncer creates a syncer. If interval is zero, DefaultDrainInterval is
// used. If logger is nil, the default slog logger is used.
func NewSyncer(index *Index, src Source, interval time.Duration, logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		index:    index,
		src:      src,
		interval: interval,
		logger:   logger,
		queued:   make(map[syncRef]world.Event),
		attempts: make(map[syncRef]int),
		wake:     make(chan struct{}, 1),
	}
}

// EventCommitted implements store.Listener. It never blocks on the provider.
func (s *Syncer) EventCommitted(_ context.Context, evt world.Event) {
	s.mu.Lock()
	s.enqueueLocked(syncRef{category: Events, id: evt.ID}, evt)
	switch evt.Type {
	case world.ObjectCreated, world.ObjectMoved, world.ObjectModified:
		s.enqueueLocked(syncRef{category: Objects, id: evt.Target}, world.Event{})
	case world.LocationCreated, world.LocationUpdated:
		s.enqueueLocked(syncRef{category: Locations, id: evt.Target}, world.Event{})
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Syncer) enqueueLocked(ref syncRef, evt world.Event) {
	if ref.id == "" {
		return
	}
	if _, ok := s.queued[ref]; ok {
		return
	}
	s.queued[ref] = evt
	s.pending = append(s.pending, ref)
}

// Pending is the number of queued refs, including those held back by a
// provider outage.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Failed is the number of refs dropped after maxSyncAttempts failed upserts
// since start.
func (s *Syncer) Failed() int64 {
	return s.failed.Load()
}

// Run drains the queue on every tick and whenever an event arrives. It
// blocks until ctx is cancelled or Stop is called. Call this in a goroutine.
func (s *Syncer) Run(ctx context.Context) {
	s.stopMu.Lock()
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.stopMu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.drain(ctx); err != nil {
			s.logger.Debug("syncer: drain finished with failures", "err", err)
		}
	}
}

// Stop signals the loop to stop. Safe to call multiple times.
func (s *Syncer) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopCh != nil {
		select {
		case <-s.stopCh:
			// Already closed.
		default:
			close(s.stopCh)
		}
	}
}

// Flush drains the queue synchronously. The returned error joins every
// failed upsert; refs that failed and were kept stay pending.
func (s *Syncer) Flush(ctx context.Context) error {
	return s.drain(ctx)
}

func (s *Syncer) drain(ctx context.Context) error {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	events := s.queued
	s.pending = nil
	s.queued = make(map[syncRef]world.Event)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var (
		errs []error
		keep []syncRef
	)
	for n, ref := range batch {
		if err := ctx.Err(); err != nil {
			s.requeue(append(keep, batch[n:]...), events)
			return err
		}
		err := s.sync(ctx, ref, events[ref])
		if err == nil {
			s.settle(ref)
			continue
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", ref.category, ref.id, err))

		if errors.Is(err, ErrUnavailable) {
			// Everything behind ref would fail the same way.
			keep = append(keep, batch[n:]...)
			s.logger.Warn("syncer: provider unavailable, keeping queue",
				"pending", len(batch)-n,
				"err", err,
			)
			break
		}
		if s.attempt(ref) >= maxSyncAttempts {
			s.settle(ref)
			s.failed.Add(1)
			s.index.MarkStale(ref.category, ref.id)
			s.logger.Error("syncer: upsert failed, dropping",
				"category", ref.category,
				"id", ref.id,
				"attempts", maxSyncAttempts,
				"err", err,
			)
			continue
		}
		s.logger.Warn("syncer: upsert failed, will retry",
			"category", ref.category,
			"id", ref.id,
			"err", err,
		)
		keep = append(keep, ref)
	}
	s.requeue(keep, events)
	s.logger.Debug("syncer: drained", "refs", len(batch), "kept", len(keep), "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Syncer) attempt(ref syncRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[ref]++
	return s.attempts[ref]
}

func (s *Syncer) settle(ref syncRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, ref)
}

// requeue puts refs back in their original order, ahead of anything queued
// meanwhile. A ref queued again since the batch was taken stays where it is.
func (s *Syncer) requeue(refs []syncRef, events map[syncRef]world.Event) {
	if len(refs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	back := make([]syncRef, 0, len(refs)+len(s.pending))
	for _, ref := range refs {
		if _, dup := s.queued[ref]; dup {
			continue
		}
		s.queued[ref] = events[ref]
		back = append(back, ref)
	}
	s.pending = append(back, s.pending...)
}

func (s *Syncer) sync(ctx context.Context, ref syncRef, evt world.Event) error {
	switch ref.category {
	case Events:
		return s.index.UpsertEvent(ctx, evt)
	case Objects:
		obj, err := s.src.GetObject(ctx, ref.id)
		if errors.Is(err, world.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.index.UpsertObject(ctx, *obj)
	case Locations:
		loc, err := s.src.GetLocation(ctx, ref.id)
		if errors.Is(err, world.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.index.UpsertLocation(ctx, *loc)
	}
	return fmt.Errorf("unknown category %q", ref.category)
}
