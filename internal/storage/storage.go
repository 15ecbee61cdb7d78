// Package storage owns the lifecycle of the live database: single-flight
// initialization with migrations, best-effort snapshots, and recovery from
// snapshots when the database is found corrupt.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maloquacious/fcl/internal/config"
	"github.com/maloquacious/fcl/internal/logger"
	"github.com/maloquacious/fcl/internal/metrics"
	"github.com/maloquacious/fcl/internal/migrations"
	"github.com/maloquacious/fcl/internal/recovery"
	"github.com/maloquacious/fcl/internal/snapshot"
	"github.com/maloquacious/fcl/internal/store"
	"github.com/maloquacious/fcl/internal/store/sqlite"
	"golang.org/x/sync/singleflight"
)

// Phase is the initialization state of a Storage.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger. The default discards.
func WithLogger(l logger.Logger) Option {
	return func(s *Storage) { s.logger = logger.OrNop(l) }
}

// WithRegistry replaces the application migration registry.
func WithRegistry(r *migrations.Registry) Option {
	return func(s *Storage) { s.registry = r }
}

// Storage is the single owner of the live database connection.
type Storage struct {
	cfg      config.Config
	logger   logger.Logger
	registry *migrations.Registry

	live      *sqlite.SQLiteStore
	snapshots *snapshot.Store
	runner    *migrations.Runner
	recovery  *recovery.Controller

	group singleflight.Group

	mu      sync.Mutex
	phase   Phase
	lastErr error
	stop    chan struct{}
	backups sync.WaitGroup

	// testHookInit runs inside an initialization attempt, before the live
	// database is opened.
	testHookInit func()
}

// New prepares a Storage for cfg and opens its snapshot area. The live
// database is not touched until Initialize.
func New(cfg config.Config, opts ...Option) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s := &Storage{
		cfg:      cfg,
		logger:   logger.Nop(),
		registry: sqlite.Migrations,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	snaps, err := snapshot.Open(snapshot.Config{
		Path:     cfg.SnapshotsPath(),
		InMemory: cfg.Snapshots.InMemory,
		Max:      cfg.Snapshots.Max,
		Compress: cfg.Snapshots.Compress,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.snapshots = snaps
	s.live = sqlite.New(cfg.DBPath(), s.registry)
	s.runner = migrations.NewRunner(s.registry, s.logger)
	s.recovery = recovery.NewController(s.live, snaps, recovery.Policy{Cascade: cfg.Recovery.Cascade}, nil, s.logger)
	return s, nil
}

// Initialize opens the live database and applies pending migrations.
// Concurrent callers share a single attempt and its outcome. A caller whose
// ctx ends gets ctx.Err() while the attempt itself runs to completion. A
// failed attempt is forgotten, so the next call starts over.
func (s *Storage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseReady:
		s.mu.Unlock()
		return nil
	case PhaseClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	attempt := context.WithoutCancel(ctx)
	ch := s.group.DoChan("initialize", func() (any, error) {
		return nil, s.initialize(attempt)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (s *Storage) initialize(ctx context.Context) (err error) {
	s.mu.Lock()
	switch s.phase {
	case PhaseReady:
		s.mu.Unlock()
		return nil
	case PhaseClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.phase = PhaseInitializing
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case s.phase == PhaseClosed:
			err = ErrClosed
		case err != nil:
			s.phase, s.lastErr = PhaseFailed, err
		default:
			s.phase, s.lastErr = PhaseReady, nil
		}

		if err != nil {
			metrics.InitializationsTotal.WithLabelValues(metrics.Fail).Inc()
			s.logger.Error("storage initialization failed", "error", err)
			return
		}
		metrics.InitializationsTotal.WithLabelValues(metrics.Ok).Inc()
		s.logger.Info("storage initialized", "path", s.live.Path(), "elapsed", time.Since(start))
	}()

	if s.testHookInit != nil {
		s.testHookInit()
	}
	if err := s.live.Open(ctx); err != nil {
		return fmt.Errorf("open live database: %w", err)
	}

	// Close may have run while the file was being opened.
	s.mu.Lock()
	closed := s.phase == PhaseClosed
	s.mu.Unlock()
	if closed {
		_ = s.live.Close()
		return ErrClosed
	}
	return s.migrate(ctx)
}

func (s *Storage) migrate(ctx context.Context) error {
	return s.live.WithDB(ctx, func(db *sql.DB) error {
		return s.runner.Run(ctx, db)
	})
}

// DB returns the live connection once Initialize has succeeded, or
// store.ErrNotInitialized.
func (s *Storage) DB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseReady {
		return nil, store.ErrNotInitialized
	}
	return s.live.DB()
}

// Phase returns the initialization state and the error of the last failed
// attempt.
func (s *Storage) Phase() (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.lastErr
}

// Close waits for running backups and closes the live database and the
// snapshot area. Safe to call multiple times.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosed
	close(s.stop)
	s.mu.Unlock()

	s.backups.Wait()
	return errors.Join(s.live.Close(), s.snapshots.Close())
}

// open makes the live database usable for maintenance without running
// migrations.
func (s *Storage) open(ctx context.Context) error {
	s.mu.Lock()
	closed := s.phase == PhaseClosed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.live.Open(ctx)
}

// State reports the live database state without creating a missing file.
func (s *Storage) State(ctx context.Context) (store.StoreState, error) {
	exists, err := store.CheckExists(s.live.Path())
	if err != nil {
		return store.StateMissing, err
	}
	if !exists {
		return store.StateMissing, nil
	}
	if err := s.open(ctx); err != nil {
		return store.StateMissing, err
	}
	return s.live.CheckState(ctx)
}

// Version returns the highest applied migration version.
func (s *Storage) Version(ctx context.Context) (int, error) {
	if err := s.open(ctx); err != nil {
		return 0, err
	}
	return s.live.SchemaVersion(ctx)
}

// LatestVersion returns the highest version the registry knows.
func (s *Storage) LatestVersion() int {
	return s.registry.Latest()
}

// History returns the migration audit records, newest first.
func (s *Storage) History(ctx context.Context) ([]migrations.Record, error) {
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	var records []migrations.Record
	err := s.live.WithDB(ctx, func(db *sql.DB) error {
		var err error
		records, err = migrations.History(ctx, db)
		return err
	})
	return records, err
}

// Pending returns the migrations Initialize would apply.
func (s *Storage) Pending(ctx context.Context) ([]migrations.Migration, error) {
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	var pending []migrations.Migration
	err := s.live.WithDB(ctx, func(db *sql.DB) error {
		var err error
		pending, err = s.runner.Pending(ctx, db)
		return err
	})
	return pending, err
}

// Failures returns recorded migration failures, most recent first.
func (s *Storage) Failures(ctx context.Context) ([]migrations.Failure, error) {
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	var failures []migrations.Failure
	err := s.live.WithDB(ctx, func(db *sql.DB) error {
		var err error
		failures, err = migrations.Failures(ctx, db)
		return err
	})
	return failures, err
}

// Integrity runs the live database self-test and returns store.ErrCorrupt
// with the engine's findings.
func (s *Storage) Integrity(ctx context.Context) error {
	if err := s.open(ctx); err != nil {
		return err
	}
	return s.live.Integrity(ctx)
}
