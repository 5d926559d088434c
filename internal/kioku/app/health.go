package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// HealthServer exposes /health and /status. It is optional; kioku runs
// without it when http.addr is empty.
type HealthServer struct {
	addr      string
	world     summaryProvider
	index     statsProvider
	syncer    queueProvider
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
	logger    *slog.Logger
}

type summaryProvider interface {
	Summary(ctx context.Context) (world.Summary, error)
}

type statsProvider interface {
	Stats(ctx context.Context) semantic.Stats
}

type queueProvider interface {
	Pending() int
	Failed() int64
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status. Status is "degraded" whenever
// the semantic index cannot answer; the world store is still fully usable.
type statusResponse struct {
	Status     string          `json:"status"`
	Build      version.Build   `json:"build"`
	StartedAt  time.Time       `json:"started_at"`
	UptimeSecs float64         `json:"uptime_seconds"`
	World      *world.Summary  `json:"world,omitempty"`
	WorldError string          `json:"world_error,omitempty"`
	Index      *semantic.Stats `json:"index,omitempty"`
	Sync       *syncStatus     `json:"sync,omitempty"`
}

type syncStatus struct {
	Pending int   `json:"pending"`
	Failed  int64 `json:"failed"`
}

// NewHealthServer creates the server without starting it. idx and q may be
// nil.
func NewHealthServer(addr string, w summaryProvider, idx statsProvider, q queueProvider, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		world:     w,
		index:     idx,
		syncer:    q,
		startedAt: time.Now(),
		mux:       mux,
		logger:    logger,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest.NewRecorder.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener
// is bound. The server shuts down when ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		h.logger.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server. Safe to call more than once.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}, h.logger)
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Build:      version.Current(),
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	code := http.StatusOK

	if h.world != nil {
		if sum, err := h.world.Summary(r.Context()); err != nil {
			resp.Status = "error"
			resp.WorldError = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.World = &sum
		}
	}
	if h.index != nil {
		stats := h.index.Stats(r.Context())
		resp.Index = &stats
		if stats.Status != semantic.StatusReady && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}
	if h.syncer != nil {
		resp.Sync = &syncStatus{Pending: h.syncer.Pending(), Failed: h.syncer.Failed()}
	}
	writeJSON(w, code, resp, h.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("health: failed to encode JSON response", "err", err)
	}
}
