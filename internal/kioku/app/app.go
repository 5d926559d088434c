// Package app wires kioku together: the world store, runtime settings, the
// semantic index and its syncer, the aging runner, the context assembler and
// the optional health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/aging"
	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/mcp"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/store"
)

// shutdownTimeout bounds the final index flush and the trace exporter flush.
const shutdownTimeout = 10 * time.Second

// App owns every long-lived component. Fields are exported so commands can
// reach the pieces they need directly.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Settings  settings.Store
	Index     *semantic.Index
	Syncer    *semantic.Syncer
	Aging     *aging.Runner
	Assembler *assembler.Assembler

	health      *HealthServer
	stopTracing func(context.Context) error
}

// New opens the store and builds every component. Nothing runs in the
// background until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	stopTracing, err := trace.Setup(ctx, "kioku", version.Version, cfg.Tracing.Endpoint)
	if err != nil {
		return nil, err
	}
	a.stopTracing = stopTracing

	a.Store, err = store.New(cfg.Database.Path, store.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	a.Settings = settings.New(a.Store.DB())

	embedder, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Index, err = semantic.Open(ctx, a.Store.DB(), a.Store, embedder,
		semantic.WithConfig(cfg.SemanticConfig()),
		semantic.WithSettings(a.Settings),
		semantic.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: open index: %w", err)
	}

	// Without a provider nothing can be embedded; the syncer stays idle
	// rather than queueing every change forever.
	a.Syncer = semantic.NewSyncer(a.Index, a.Store, cfg.Index.DrainInterval, logger)
	if cfg.Embedding.Provider != config.ProviderNone && cfg.Embedding.Provider != "" {
		a.Store.Subscribe(a.Syncer)
	}

	if cfg.Aging.Enabled {
		a.Aging = aging.NewRunner(a.Store, cfg.Aging.Rules, cfg.Aging.Interval,
			aging.WithSettings(a.Settings),
			aging.WithActor(cfg.Aging.Actor),
			aging.WithLogger(logger),
		)
	}

	a.Assembler = assembler.New(a.Store, a.Index, logger)
	a.Assembler.MatchLimit = cfg.Context.MatchLimit
	a.Assembler.MatchFloor = cfg.Context.MatchFloor

	if cfg.HTTP.Addr != "" {
		a.health = NewHealthServer(cfg.HTTP.Addr, a.Store, a.Index, a.Syncer, logger)
	}
	return a, nil
}

// NewEmbedder builds the configured embedding provider, rate limited when
// embedding.rate_per_second is set.
func NewEmbedder(cfg config.EmbeddingConfig) (semantic.Embedder, error) {
	var e semantic.Embedder
	switch cfg.Provider {
	case config.ProviderNone, "":
		return semantic.NoopEmbedder{}, nil
	case config.ProviderOpenAI:
		e = semantic.NewOpenAIEmbedder(semantic.OpenAIEmbedderConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case config.ProviderOllama:
		opts := []semantic.OllamaOption{semantic.WithOllamaTimeout(cfg.Timeout)}
		if cfg.BaseURL != "" {
			opts = append(opts, semantic.WithOllamaBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, semantic.WithOllamaModel(cfg.Model))
		}
		e = semantic.NewOllamaEmbedder(opts...)
	default:
		return nil, fmt.Errorf("app: unknown embedding provider %q", cfg.Provider)
	}
	return semantic.NewRateLimitedEmbedder(e, cfg.RatePerSecond, cfg.Burst), nil
}

// Start builds the index if it was never built (and index.rebuild_on_start
// is set), then launches the syncer, the aging runner and the health
// server. An index that cannot be built leaves kioku running in degraded
// mode.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Index.RebuildOnStart && a.Index.Status() == semantic.StatusUninitialized {
		a.Logger.Info("semantic index never built; initializing from store")
		if err := a.Index.InitializeFromStore(ctx); err != nil {
			a.Logger.Warn("semantic index unavailable; continuing without it", "err", err)
		}
	}

	go a.Syncer.Run(ctx)
	if a.Aging != nil {
		go a.Aging.Run(ctx)
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.Logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}
	return nil
}

// Run starts the app and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	a.Logger.Info("kioku is running; press Ctrl+C to stop", "version", version.Version)
	<-ctx.Done()
	a.Logger.Info("shutting down")
	return nil
}

// MCPServer returns a tool server over this app's components.
func (a *App) MCPServer() *mcp.Server {
	return mcp.NewServer(a.Store, a.Index, a.Assembler, version.Version,
		mcp.WithFlusher(a.Syncer),
		mcp.WithLogger(a.Logger),
	)
}

// Close stops background work, flushes what the syncer still holds and
// closes the store. Safe to call on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Aging != nil {
		a.Aging.Stop()
	}
	if a.health != nil {
		a.health.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.Syncer != nil {
		a.Syncer.Stop()
		if err := a.Syncer.Flush(ctx); err != nil {
			a.Logger.Warn("semantic syncer: final flush incomplete", "err", err, "pending", a.Syncer.Pending())
		}
		if a.Syncer.Pending() > 0 && a.Index != nil {
			if err := a.Index.Invalidate(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close store: %w", err))
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
