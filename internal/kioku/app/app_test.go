package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "kioku-test.db")
	cfg.Aging.Enabled = true
	cfg.Aging.Interval = time.Hour
	return &cfg
}

func TestNewEmbedder(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  config.EmbeddingConfig
		ok   bool
	}{
		{"none", config.EmbeddingConfig{Provider: config.ProviderNone}, true},
		{"openai", config.EmbeddingConfig{Provider: config.ProviderOpenAI, APIKey: "k", Timeout: time.Second}, true},
		{"ollama limited", config.EmbeddingConfig{Provider: config.ProviderOllama, RatePerSecond: 5, Burst: 1}, true},
		{"unknown", config.EmbeddingConfig{Provider: "psychic"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, err := app.NewEmbedder(tc.cfg)
			if tc.ok && (err != nil || e == nil) {
				t.Errorf("expected an embedder, got %v, %v", e, err)
			}
			if !tc.ok && err == nil {
				t.Error("expected an error")
			}
		})
	}

	e, _ := app.NewEmbedder(config.EmbeddingConfig{Provider: config.ProviderOllama, RatePerSecond: 5, Burst: 1})
	if _, ok := e.(*semantic.RateLimitedEmbedder); !ok {
		t.Errorf("rate_per_second should wrap the provider, got %T", e)
	}
}

func TestApp_DegradedWithoutProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	shop, err := a.Store.CreateLocation(ctx, "Workshop", "A dusty room", nil, nil)
	if err != nil {
		t.Fatalf("the store must work without an embedding provider: %v", err)
	}
	if _, err := a.Store.CreateObject(ctx, "rusty hammer", "An old hammer", shop.ID, world.Properties{"rust_level": 0}); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	if a.Index.Status() == semantic.StatusReady {
		t.Error("index cannot be ready with the none provider")
	}
	b, err := a.Assembler.Assemble(ctx, assemblerRequest(shop.ID))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.SemanticAvailable || len(b.ObjectsPresent) != 1 {
		t.Errorf("unexpected bundle: %+v", b)
	}

	changed, err := a.Aging.Tick(ctx)
	if err != nil || changed != 1 {
		t.Errorf("aging tick: %d, %v", changed, err)
	}

	if a.MCPServer() == nil {
		t.Error("expected an MCP server")
	}

	cancel()
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestApp_ReopenKeepsWorld(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Store.CreateLocation(ctx, "Hall", "A long hall", nil, nil); err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := app.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	sum, err := b.Store.Summary(ctx)
	if err != nil || sum.Locations != 1 || sum.Events != 1 {
		t.Errorf("summary after reopen: %+v, %v", sum, err)
	}
}

func assemblerRequest(locationID string) assembler.Request {
	return assembler.Request{LocationID: locationID, Actor: world.ActorPlayer, Query: "hammer"}
}
