// Package mcp exposes the world store, the semantic index and the context
// assembler as Model Context Protocol tools, so a narrator or command parser
// can drive kioku over stdio.
package mcp

import (
	"context"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/store"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// World is the store surface the tools forward to. *store.Store satisfies it.
type World interface {
	CreateLocation(ctx context.Context, name, description string, connections world.Connections, properties world.Properties) (*world.Location, error)
	CreateObjectAt(ctx context.Context, name, description string, placement world.LocationRef, properties world.Properties) (*world.Object, error)
	MoveObject(ctx context.Context, objectID string, to world.LocationRef, actor string) (bool, error)
	ModifyObjectProperties(ctx context.Context, objectID string, updates world.Properties, actor string) (bool, error)
	GetObject(ctx context.Context, id string) (*world.Object, error)
	GetLocationInfo(ctx context.Context, locationID string) (*store.LocationInfo, error)
	History(ctx context.Context, objectID string) ([]world.Event, error)
	ObjectsAt(ctx context.Context, locationID string) ([]world.Object, error)
	Summary(ctx context.Context) (world.Summary, error)
	RecordEvent(ctx context.Context, ce world.CustomEvent) (*world.Event, error)
}

// Index is the semantic surface. *semantic.Index satisfies it.
type Index interface {
	Search(ctx context.Context, category semantic.Category, text string, limit int, opts ...semantic.SearchOption) ([]semantic.Result, error)
	FindSimilarTo(ctx context.Context, objectID string, limit int) ([]semantic.Result, error)
	AnalyzePatterns(ctx context.Context, locationID string) (*semantic.PatternReport, error)
}

// Flusher drains pending index updates. *semantic.Syncer satisfies it.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Server struct {
	world     World
	index     Index
	assembler *assembler.Assembler
	flusher   Flusher
	logger    *slog.Logger
	mcp       *sdk.Server
}

// Option configures a Server.
type Option func(*Server)

// WithFlusher makes semantic tools drain pending index updates first, so a
// write made earlier in the same session is visible to the next search.
func WithFlusher(f Flusher) Option {
	return func(s *Server) { s.flusher = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the tool server. idx and asm may be nil, in which case
// the semantic and context tools answer with an error.
func NewServer(w World, idx Index, asm *assembler.Assembler, version string, opts ...Option) *Server {
	s := &Server{
		world:     w,
		index:     idx,
		assembler: asm,
		logger:    slog.Default(),
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "kioku",
			Version: version,
		}, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

// Run serves the tools on transport until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// RunStdio serves on stdin/stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &sdk.StdioTransport{})
}

func (s *Server) flush(ctx context.Context) {
	if s.flusher == nil {
		return
	}
	if err := s.flusher.Flush(ctx); err != nil {
		observability.WithTrace(ctx, s.logger).Warn("mcp: index flush incomplete", "err", err)
	}
}
