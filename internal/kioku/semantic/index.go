// Package semantic keeps an embedding-backed nearest-neighbour index over the
// world: one collection each for objects, locations and recent events.
//
// The index is a derived cache. It is rebuilt from the store with
// InitializeFromStore, kept current with Upsert (usually through a Syncer),
// and persisted in the index_vectors table so a restart does not need to
// re-embed anything. Every failure caused by the embedding provider is
// reported as ErrUnavailable and flips the index status; the store is never
// affected.
package semantic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// Defaults for Config fields left at zero.
const (
	DefaultEventWindow      = 10000
	DefaultPatternThreshold = 0.3
	DefaultConcurrency      = 4
	DefaultEmbedTimeout     = 10 * time.Second
	DefaultSearchLimit      = 5
)

// Source is the read side of the world the index renders documents from.
// *store.Store satisfies it.
type Source interface {
	ListLocations(ctx context.Context) ([]world.Location, error)
	ListObjects(ctx context.Context) ([]world.Object, error)
	LatestEvents(ctx context.Context, limit int) ([]world.Event, error)
	GetObject(ctx context.Context, id string) (*world.Object, error)
	GetLocation(ctx context.Context, id string) (*world.Location, error)
	ObjectsEverAt(ctx context.Context, locationID string) ([]world.Object, error)
}

// Config tunes the index.
type Config struct {
	// EventWindow caps how many of the most recent events the events
	// collection holds. The store keeps every event; older ones are only
	// reachable through store queries.
	EventWindow int
	// PatternThreshold is the similarity a pair must exceed to count as a
	// pattern. The settings key index.pattern_threshold overrides it.
	PatternThreshold float64
	// Concurrency bounds parallel embedding calls during a full rebuild.
	Concurrency int
	// EmbedTimeout bounds a single embedding attempt.
	EmbedTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventWindow <= 0 {
		c.EventWindow = DefaultEventWindow
	}
	if c.PatternThreshold <= 0 {
		c.PatternThreshold = DefaultPatternThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = DefaultEmbedTimeout
	}
	return c
}

// Status is the externally visible readiness of the index.
type Status string

const (
	// StatusReady means the index was built and the provider answers.
	StatusReady Status = "ready"
	// StatusUnavailable means the provider failed, the last build did, or
	// some committed change has not been embedded yet.
	StatusUnavailable Status = "unavailable"
	// StatusUninitialized means no build has been attempted yet.
	StatusUninitialized Status = "uninitialized"
)

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithSettings enables runtime overrides of the pattern threshold and event
// window.
func WithSettings(s settings.Store) Option {
	return func(i *Index) { i.settings = s }
}

// WithConfig sets the tuning knobs.
func WithConfig(c Config) Option {
	return func(i *Index) { i.cfg = c.withDefaults() }
}

// Index is the semantic index. It is safe for concurrent use.
type Index struct {
	src      Source
	embedder Embedder
	vectors  *vectorStore
	settings settings.Store
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	mu          sync.RWMutex
	cols        map[Category]*collection
	initialized bool
	healthy     bool
	lastErr     error
	builtAt     time.Time
	// stale holds the entities whose last upsert failed. The index is not
	// ready while any remain.
	stale map[staleKey]struct{}

	// buildMu is held exclusively by a full rebuild and shared by upserts,
	// so no upsert lands between collecting documents and the swap.
	buildMu sync.RWMutex
	// writeMu orders upserts from plan to apply. Readers only wait for
	// the in-memory apply, never for the SQLite write.
	writeMu sync.Mutex
}

type staleKey struct {
	category Category
	entityID string
}

// Open loads the persisted index from db and checks the provider once.
// A world that has never been indexed opens as uninitialized.
func Open(ctx context.Context, db *sql.DB, src Source, embedder Embedder, opts ...Option) (*Index, error) {
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	i := &Index{
		src:      src,
		embedder: embedder,
		vectors:  &vectorStore{db: db, now: time.Now},
		cfg:      Config{}.withDefaults(),
		stale:    make(map[staleKey]struct{}),
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/bdobrica/Kioku/internal/kioku/semantic"),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.settings == nil {
		i.settings = settings.New(db)
	}

	cols, err := i.vectors.load(ctx)
	if err != nil {
		return nil, err
	}
	i.cols = cols

	if v, err := i.settings.Get(ctx, settings.KeyIndexInitialized); err == nil {
		i.initialized = true
		i.builtAt, _ = time.Parse(time.RFC3339Nano, v)
	} else if !errors.Is(err, settings.ErrNotFound) {
		return nil, fmt.Errorf("semantic: read index marker: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, i.cfg.EmbedTimeout)
	defer cancel()
	if err := checkHealth(hctx, i.embedder); err != nil {
		i.setHealth(err)
		i.logger.Warn("semantic: embedding provider unavailable", "err", err)
	} else {
		i.setHealth(nil)
	}
	return i, nil
}

// Status reports the current readiness.
func (i *Index) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.statusLocked()
}

func (i *Index) statusLocked() Status {
	switch {
	case i.initialized && i.healthy && len(i.stale) == 0:
		return StatusReady
	case !i.initialized && i.lastErr == nil:
		return StatusUninitialized
	default:
		return StatusUnavailable
	}
}

// Available is shorthand for Status() == StatusReady.
func (i *Index) Available() bool {
	return i.Status() == StatusReady
}

// LastError returns the most recent provider or build failure, if any.
func (i *Index) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Stale is the number of entities whose latest change is not in the index.
func (i *Index) Stale() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.stale)
}

// MarkStale records that the latest change of an entity will not reach the
// index. The index reports unavailable until the entity is upserted again or
// the next full rebuild.
func (i *Index) MarkStale(category Category, entityID string) {
	i.markStale(staleKey{category: category, entityID: entityID})
}

func (i *Index) markStale(key staleKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stale[key] = struct{}{}
}

func (i *Index) setHealth(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthy = err == nil
	i.lastErr = err
}

// unavailable wraps cause so errors.Is(err, ErrUnavailable) holds.
func unavailable(cause error) error {
	if cause == nil || errors.Is(cause, ErrUnavailable) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, cause)
}

var errNoVector = errors.New("embedding provider returned no vector")

// embed calls the provider with a per-attempt timeout and one retry, and
// returns a unit-length vector.
func (i *Index) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := i.tracer.Start(ctx, "semantic.embed",
		trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	cfg := retry.Once
	cfg.AttemptTimeout = i.cfg.EmbedTimeout

	var vec []float32
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		v, err := i.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		if v = normalize(v); v == nil {
			return retry.Permanent(errNoVector)
		}
		vec = v
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		i.setHealth(err)
		i.logger.Warn("semantic: embedding failed", "err", err)
		return nil, unavailable(err)
	}
	i.setHealth(nil)
	return vec, nil
}

func (i *Index) eventWindow(ctx context.Context) int {
	return settings.Int(ctx, i.settings, settings.KeyEventWindow, i.cfg.EventWindow)
}

// InitializeFromStore rebuilds every collection from the current store
// state: all locations, all objects and the most recent events up to the
// window. The new collections replace the old ones only when every document
// embedded; on any provider failure the previous index stays in place and
// ErrUnavailable is returned. Running it twice in a row yields the same
// collections.
func (i *Index) InitializeFromStore(ctx context.Context) error {
	i.buildMu.Lock()
	defer i.buildMu.Unlock()

	ctx, span := i.tracer.Start(ctx, "semantic.initialize")
	defer span.End()
	start := time.Now()

	hctx, cancel := context.WithTimeout(ctx, i.cfg.EmbedTimeout)
	err := checkHealth(hctx, i.embedder)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider unavailable")
		i.setHealth(err)
		i.logger.Warn("semantic: initialize failed, provider unavailable", "err", err)
		return unavailable(err)
	}

	docs, err := i.collectDocuments(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	vecs := make([][]float32, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)
	for n, doc := range docs {
		g.Go(func() error {
			v, err := i.embed(gctx, doc.Text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", doc.ID, err)
			}
			vecs[n] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		i.logger.Warn("semantic: initialize failed, keeping previous index", "err", err)
		return unavailable(err)
	}

	cols := emptyCollections()
	for n, doc := range docs {
		cols[doc.Category].restore(&entry{
			doc:      doc,
			vec:      vecs[n],
			position: cols[doc.Category].nextPos,
		})
	}

	if err := i.vectors.replaceAll(ctx, cols); err != nil {
		span.RecordError(err)
		return err
	}
	now := time.Now().UTC()
	if err := i.settings.Set(ctx, settings.KeyIndexInitialized, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("semantic: write index marker: %w", err)
	}

	i.mu.Lock()
	i.cols = cols
	clear(i.stale)
	i.initialized = true
	i.healthy = true
	i.lastErr = nil
	i.builtAt = now
	i.mu.Unlock()

	span.SetAttributes(attribute.Int("documents", len(docs)))
	i.logger.Info("semantic: index initialized",
		"objects", len(cols[Objects].entries),
		"locations", len(cols[Locations].entries),
		"events", len(cols[Events].entries),
		"elapsed", time.Since(start).String(),
	)
	return nil
}

// Invalidate forgets that the index was ever built, so the next start sees
// it as uninitialized and rebuilds it. Used when changes that were never
// embedded would otherwise be lost across a restart.
func (i *Index) Invalidate(ctx context.Context) error {
	if err := i.settings.Delete(ctx, settings.KeyIndexInitialized); err != nil {
		return fmt.Errorf("semantic: clear index marker: %w", err)
	}
	i.mu.Lock()
	i.initialized = false
	i.mu.Unlock()
	return nil
}

func (i *Index) collectDocuments(ctx context.Context) ([]Document, error) {
	locations, err := i.src.ListLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: list locations: %w", err)
	}
	objects, err := i.src.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: list objects: %w", err)
	}
	events, err := i.src.LatestEvents(ctx, i.eventWindow(ctx))
	if err != nil {
		return nil, fmt.Errorf("semantic: latest events: %w", err)
	}

	docs := make([]Document, 0, len(locations)+len(objects)+len(events))
	for _, l := range locations {
		docs = append(docs, LocationDocument(l))
	}
	for _, o := range objects {
		docs = append(docs, ObjectDocument(o))
	}
	for _, e := range events {
		docs = append(docs, EventDocument(e))
	}
	return docs, nil
}

// Upsert embeds doc and installs it as the live document for its entity,
// replacing an older revision. The events collection is trimmed to the
// configured window. A failed upsert leaves the entity stale, and the index
// unavailable, until a later upsert of it or a full rebuild succeeds.
func (i *Index) Upsert(ctx context.Context, doc Document) error {
	if err := validCategory(doc.Category); err != nil {
		return err
	}
	i.buildMu.RLock()
	defer i.buildMu.RUnlock()

	ctx, span := i.tracer.Start(ctx, "semantic.upsert",
		trace.WithAttributes(
			attribute.String("category", string(doc.Category)),
			attribute.String("doc.id", doc.ID),
		))
	defer span.End()

	key := staleKey{category: doc.Category, entityID: doc.EntityID}
	vec, err := i.embed(ctx, doc.Text)
	if err != nil {
		i.markStale(key)
		return err
	}

	window := 0
	if doc.Category == Events {
		window = i.eventWindow(ctx)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	i.mu.RLock()
	col := i.cols[doc.Category]
	e, removed := col.plan(doc, vec, window)
	i.mu.RUnlock()

	if err := i.vectors.upsert(ctx, e, removed); err != nil {
		span.RecordError(err)
		i.markStale(key)
		return err
	}

	i.mu.Lock()
	col.apply(e, removed)
	delete(i.stale, key)
	i.mu.Unlock()
	return nil
}

// UpsertObject renders and upserts one object revision.
func (i *Index) UpsertObject(ctx context.Context, o world.Object) error {
	return i.Upsert(ctx, ObjectDocument(o))
}

// UpsertLocation renders and upserts one location.
func (i *Index) UpsertLocation(ctx context.Context, l world.Location) error {
	return i.Upsert(ctx, LocationDocument(l))
}

// UpsertEvent renders and upserts one event.
func (i *Index) UpsertEvent(ctx context.Context, e world.Event) error {
	return i.Upsert(ctx, EventDocument(e))
}

// SearchOption tweaks a single search.
type SearchOption func(*searchOptions)

type searchOptions struct {
	floor float64
}

// WithFloor drops hits scoring below floor.
func WithFloor(floor float64) SearchOption {
	return func(o *searchOptions) { o.floor = floor }
}

// Search returns up to limit documents of category ranked by similarity to
// text, best first. Scores lie in [0,1]; equal scores keep the order in which
// the entities first entered the collection. An index that was never built
// answers ErrUnavailable rather than an empty result.
func (i *Index) Search(ctx context.Context, category Category, text string, limit int, opts ...SearchOption) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &world.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if err := validCategory(category); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var o searchOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := i.tracer.Start(ctx, "semantic.search",
		trace.WithAttributes(
			attribute.String("category", string(category)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	entries, err := i.snapshot(category)
	if err != nil {
		return nil, err
	}
	q, err := i.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	results := rank(entries, q, limit, o.floor, "")
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// snapshot returns the entries of category, or ErrUnavailable when the index
// has never been built.
func (i *Index) snapshot(category Category) ([]*entry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.initialized {
		if i.lastErr != nil {
			return nil, unavailable(i.lastErr)
		}
		return nil, fmt.Errorf("%w: index not initialized", ErrUnavailable)
	}
	return i.cols[category].entries, nil
}

func validCategory(c Category) error {
	for _, known := range Categories {
		if c == known {
			return nil
		}
	}
	return &world.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", c)}
}

// FindSimilarTo ranks other objects by similarity to objectID's current
// rendering. The object itself never appears in the result.
func (i *Index) FindSimilarTo(ctx context.Context, objectID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	obj, err := i.src.GetObject(ctx, objectID)
	if err != nil {
		return nil, err
	}

	ctx, span := i.tracer.Start(ctx, "semantic.find_similar",
		trace.WithAttributes(attribute.String("object.id", objectID)))
	defer span.End()

	entries, err := i.snapshot(Objects)
	if err != nil {
		return nil, err
	}
	q, err := i.vectorFor(ctx, ObjectDocument(*obj))
	if err != nil {
		return nil, err
	}
	return rank(entries, q, limit, 0, objectID), nil
}

// vectorFor reuses the indexed vector when the live document is the same
// revision and embeds doc otherwise.
func (i *Index) vectorFor(ctx context.Context, doc Document) ([]float32, error) {
	i.mu.RLock()
	var vec []float32
	if col, ok := i.cols[doc.Category]; ok {
		if e, ok := col.byID[doc.EntityID]; ok && e.doc.ID == doc.ID {
			vec = e.vec
		}
	}
	i.mu.RUnlock()
	if vec != nil {
		return vec, nil
	}
	return i.embed(ctx, doc.Text)
}

// ObjectRef names one side of a pattern.
type ObjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Pattern is a pair of objects seen at the same location whose renderings
// are similar.
type Pattern struct {
	A          ObjectRef `json:"a"`
	B          ObjectRef `json:"b"`
	Similarity float64   `json:"similarity"`
}

// PatternReport is the answer to AnalyzePatterns.
type PatternReport struct {
	LocationID string    `json:"location_id"`
	Objects    int       `json:"objects"`
	Threshold  float64   `json:"threshold"`
	Patterns   []Pattern `json:"patterns"`
	Count      int       `json:"count"`
	Summary    string    `json:"summary"`
}

// AnalyzePatterns compares every pair of objects ever observed at
// locationID and reports the pairs whose similarity is strictly above the
// threshold, most similar first. The work is quadratic in the number of
// objects, which stays small per location.
func (i *Index) AnalyzePatterns(ctx context.Context, locationID string) (*PatternReport, error) {
	if _, err := i.src.GetLocation(ctx, locationID); err != nil {
		return nil, err
	}
	objects, err := i.src.ObjectsEverAt(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("semantic: objects ever at %s: %w", locationID, err)
	}

	ctx, span := i.tracer.Start(ctx, "semantic.analyze_patterns",
		trace.WithAttributes(
			attribute.String("location.id", locationID),
			attribute.Int("objects", len(objects)),
		))
	defer span.End()

	vecs := make([][]float32, len(objects))
	for n, o := range objects {
		v, err := i.vectorFor(ctx, ObjectDocument(o))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		vecs[n] = v
	}

	threshold := settings.Float(ctx, i.settings, settings.KeyPatternThreshold, i.cfg.PatternThreshold)
	patterns := make([]Pattern, 0)
	for a := 0; a < len(objects); a++ {
		for b := a + 1; b < len(objects); b++ {
			sim := similarity(vecs[a], vecs[b])
			if sim <= threshold {
				continue
			}
			patterns = append(patterns, Pattern{
				A:          ObjectRef{ID: objects[a].ID, Name: objects[a].Name},
				B:          ObjectRef{ID: objects[b].ID, Name: objects[b].Name},
				Similarity: sim,
			})
		}
	}
	sortPatterns(patterns)

	return &PatternReport{
		LocationID: locationID,
		Objects:    len(objects),
		Threshold:  threshold,
		Patterns:   patterns,
		Count:      len(patterns),
		Summary:    fmt.Sprintf("Found %d patterns in %d objects", len(patterns), len(objects)),
	}, nil
}

// CategoryStats describes one collection.
type CategoryStats struct {
	Count  int    `json:"count"`
	Status Status `json:"status"`
}

// Stats is a point-in-time description of the index.
type Stats struct {
	Status      Status                     `json:"status"`
	LastError   string                     `json:"last_error,omitempty"`
	Stale       int                        `json:"stale,omitempty"`
	BuiltAt     time.Time                  `json:"built_at,omitzero"`
	EventWindow int                        `json:"event_window"`
	Categories  map[Category]CategoryStats `json:"categories"`
}

// Stats reports counts and status per collection. EventWindow is the window
// trimming uses, settings override included.
func (i *Index) Stats(ctx context.Context) Stats {
	window := i.eventWindow(ctx)

	i.mu.RLock()
	defer i.mu.RUnlock()
	st := Stats{
		Status:      i.statusLocked(),
		Stale:       len(i.stale),
		BuiltAt:     i.builtAt,
		EventWindow: window,
		Categories:  make(map[Category]CategoryStats, len(Categories)),
	}
	if i.lastErr != nil {
		st.LastError = i.lastErr.Error()
	}
	for _, cat := range Categories {
		st.Categories[cat] = CategoryStats{Count: len(i.cols[cat].entries), Status: st.Status}
	}
	return st
}
