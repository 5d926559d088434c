// Package store is the World State Engine: the single writer of locations,
// objects and the append-only event log, and the reader of the current-state
// projection derived from it.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Listener is told about every event after its transaction commits. It runs
// on the writer's goroutine and must not block.
type Listener interface {
	EventCommitted(ctx context.Context, evt world.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt world.Event)

// EventCommitted calls f.
func (f ListenerFunc) EventCommitted(ctx context.Context, evt world.Event) { f(ctx, evt) }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now as the source of commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store wraps the database connection and serializes all writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	// writeMu makes the projection update and the event append of one
	// mutation a single critical section. Readers never take it.
	writeMu sync.Mutex

	listenMu  sync.RWMutex
	listeners []Listener
}

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas travel in the DSN so every pooled connection gets them. Writers
	// are serialized by writeMu; in WAL mode readers on the other connections
	// proceed while a write is in flight. An in-memory database exists per
	// connection, so it is pinned to one.
	if isMemory(dbPath) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func dsn(path string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=cache_size(-64000)",
	}
	if !isMemory(path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection. The semantic index and the
// settings table share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Subscribe registers l to be told about every committed event.
func (s *Store) Subscribe(l Listener) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(ctx context.Context, evt world.Event) {
	s.listenMu.RLock()
	listeners := s.listeners
	s.listenMu.RUnlock()
	for _, l := range listeners {
		l.EventCommitted(ctx, evt)
	}
}

// mutation builds the event for one state change from inside the write
// transaction. Returning a nil event means "nothing to do" and commits nothing.
type mutation func(ctx context.Context, tx *sql.Tx, now time.Time) (*world.Event, error)

// commit runs m, appends its event and folds it into the projection, all in
// one transaction under the writer lock. Listeners hear about the event once
// the lock is released.
func (s *Store) commit(ctx context.Context, m mutation) (*world.Event, error) {
	evt, err := s.commitLocked(ctx, m)
	if err != nil || evt == nil {
		return evt, err
	}
	s.notify(ctx, *evt)
	return evt, nil
}

func (s *Store) commitLocked(ctx context.Context, m mutation) (*world.Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	evt, err := m(ctx, tx, now)
	if err != nil || evt == nil {
		return nil, err
	}
	evt.Timestamp = now

	if err := appendEvent(ctx, tx, evt); err != nil {
		return nil, err
	}
	if err := applyEvent(ctx, tx, *evt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit %s: %w", evt.Type, err)
	}

	s.logger.Debug("store: event committed",
		"seq", evt.Seq,
		"type", evt.Type,
		"actor", evt.Actor,
		"target", evt.Target,
	)
	return evt, nil
}

// runMigrations runs all pending migrations
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", mig.file))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", mig.file, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", mig.version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", mig.version, err)
		}
		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mig.version, time.Now(), mig.description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.version, err)
		}

		s.logger.Info("applied migration", "version", fmt.Sprintf("%04d", mig.version), "description", mig.description)
	}

	return nil
}

type migrationFile struct {
	version     int
	description string
	file        string
}

// loadMigrations lists the embedded NNNN_description.sql files in version
// order and rejects duplicate versions.
func loadMigrations() ([]migrationFile, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migrationFile
	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, exists := seen[version]; exists {
			return nil, fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name
		out = append(out, migrationFile{
			version:     version,
			description: strings.TrimSuffix(parts[1], ".sql"),
			file:        name,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
