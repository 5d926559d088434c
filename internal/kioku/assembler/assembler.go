// Package assembler builds the per-turn context bundle handed to a narrator:
// the structural facts of a location that are always available, plus ranked
// semantic facts whenever the semantic index can answer.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// DefaultRecentLimit is the number of recent events included when the
// request does not say.
const DefaultRecentLimit = 10

// DefaultMatchLimit is the number of semantic matches kept.
const DefaultMatchLimit = 5

// World is the structural read side the assembler needs.
type World interface {
	GetLocation(ctx context.Context, id string) (*world.Location, error)
	ObjectsAt(ctx context.Context, locationID string) ([]world.Object, error)
	HeldBy(ctx context.Context, actor string) ([]world.Object, error)
	RecentEvents(ctx context.Context, locationID string, limit int) ([]world.Event, error)
}

// Index is the semantic read side. *semantic.Index satisfies it.
type Index interface {
	Status() semantic.Status
	Search(ctx context.Context, category semantic.Category, text string, limit int, opts ...semantic.SearchOption) ([]semantic.Result, error)
	AnalyzePatterns(ctx context.Context, locationID string) (*semantic.PatternReport, error)
}

// Request describes one turn.
type Request struct {
	LocationID string
	// Actor, when set, adds the actor's inventory to the bundle.
	Actor string
	// RecentLimit caps recent events; zero means DefaultRecentLimit.
	RecentLimit int
	// Query, when set, asks for semantic matches and patterns.
	Query string
}

// Bundle is everything the narrator gets for one turn.
type Bundle struct {
	Location          world.Location     `json:"location"`
	ObjectsPresent    []world.Object     `json:"objects_present"`
	Inventory         []world.Object     `json:"inventory,omitempty"`
	RecentEvents      []world.Event      `json:"recent_events"`
	SemanticMatches   []semantic.Result  `json:"semantic_matches,omitempty"`
	Patterns          []semantic.Pattern `json:"patterns,omitempty"`
	SemanticAvailable bool               `json:"semantic_available"`
	SemanticStatus    semantic.Status    `json:"semantic_status"`
	SemanticError     string             `json:"semantic_error,omitempty"`
}

// Assembler merges the store and the index. It holds no state between calls:
// two calls with nothing committed in between return the same bundle.
type Assembler struct {
	World World
	// Index may be nil; the bundle then reports semantic facts as unavailable.
	Index      Index
	MatchLimit int
	// MatchFloor drops matches scoring below it.
	MatchFloor float64
	Logger     *slog.Logger
}

// New returns an assembler with default limits.
func New(w World, idx Index, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{World: w, Index: idx, MatchLimit: DefaultMatchLimit, Logger: logger}
}

// Assemble builds the bundle for req. Only structural faults are returned
// (an unknown location is world.ErrNotFound); semantic failures degrade the
// bundle and are reported in its flag, status and error fields.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Bundle, error) {
	ctx, span := otel.Tracer("github.com/bdobrica/Kioku/internal/kioku/assembler").Start(ctx, "assembler.assemble")
	defer span.End()
	span.SetAttributes(
		attribute.String("location.id", req.LocationID),
		attribute.Bool("query", req.Query != ""),
	)

	recent := req.RecentLimit
	if recent <= 0 {
		recent = DefaultRecentLimit
	}

	loc, err := a.World.GetLocation(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	objects, err := a.World.ObjectsAt(ctx, req.LocationID)
	if err != nil {
		return nil, fmt.Errorf("assembler: objects at %s: %w", req.LocationID, err)
	}
	events, err := a.World.RecentEvents(ctx, req.LocationID, recent)
	if err != nil {
		return nil, fmt.Errorf("assembler: recent events at %s: %w", req.LocationID, err)
	}

	b := &Bundle{
		Location:       *loc,
		ObjectsPresent: objects,
		RecentEvents:   events,
	}
	if req.Actor != "" {
		inv, err := a.World.HeldBy(ctx, req.Actor)
		if err != nil {
			return nil, fmt.Errorf("assembler: inventory of %s: %w", req.Actor, err)
		}
		b.Inventory = inv
	}

	a.addSemantic(ctx, b, req)
	span.SetAttributes(attribute.Bool("semantic.available", b.SemanticAvailable))
	return b, nil
}

func (a *Assembler) addSemantic(ctx context.Context, b *Bundle, req Request) {
	if a.Index == nil {
		b.SemanticStatus = semantic.StatusUnavailable
		b.SemanticError = "no semantic index configured"
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		b.SemanticStatus = a.Index.Status()
		b.SemanticAvailable = b.SemanticStatus == semantic.StatusReady
		return
	}

	limit := a.MatchLimit
	if limit <= 0 {
		limit = DefaultMatchLimit
	}
	var opts []semantic.SearchOption
	if a.MatchFloor > 0 {
		opts = append(opts, semantic.WithFloor(a.MatchFloor))
	}

	var matches []semantic.Result
	for _, cat := range []semantic.Category{semantic.Objects, semantic.Events} {
		res, err := a.Index.Search(ctx, cat, query, limit, opts...)
		if err != nil {
			a.degrade(b, err)
			return
		}
		matches = append(matches, res...)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	report, err := a.Index.AnalyzePatterns(ctx, req.LocationID)
	if err != nil {
		a.degrade(b, err)
		return
	}

	b.SemanticMatches = matches
	b.Patterns = report.Patterns
	b.SemanticStatus = a.Index.Status()
	b.SemanticAvailable = b.SemanticStatus == semantic.StatusReady
	if !b.SemanticAvailable {
		// Results came back but some committed change is not indexed yet.
		b.SemanticError = "semantic index is behind the world, results may be incomplete"
	}
}

func (a *Assembler) degrade(b *Bundle, err error) {
	if !errors.Is(err, semantic.ErrUnavailable) {
		a.Logger.Warn("assembler: semantic lookup failed", "err", err)
	}
	b.SemanticMatches = nil
	b.Patterns = nil
	b.SemanticAvailable = false
	b.SemanticStatus = a.Index.Status()
	if b.SemanticStatus == semantic.StatusReady {
		b.SemanticStatus = semantic.StatusUnavailable
	}
	b.SemanticError = err.Error()
}
