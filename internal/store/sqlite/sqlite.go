package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/maloquacious/fcl/internal/migrations"
	"github.com/maloquacious/fcl/internal/store"
	_ "modernc.org/sqlite"
)

// pragmas are applied to every connection the store opens.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// SQLiteStore implements the Store interface using modernc.org/sqlite.
type SQLiteStore struct {
	dbPath   string
	registry *migrations.Registry

	// mu guards db. Replace holds it exclusively while the file is swapped.
	mu sync.RWMutex
	db *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

// New creates a new SQLiteStore. registry determines the version CheckState
// expects.
func New(dbPath string, registry *migrations.Registry) *SQLiteStore {
	return &SQLiteStore{
		dbPath:   dbPath,
		registry: registry,
	}
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Open opens the SQLite database with safe defaults. An already open
// connection is reused.
func (s *SQLiteStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	db, err := openDB(ctx, s.dbPath)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func openDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer connection per process; pragmas stick to it.
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Close closes the database connection. Later use fails with
// store.ErrNotInitialized until Open is called again.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the open connection. The handle must not be retained across a
// Replace.
func (s *SQLiteStore) DB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, store.ErrNotInitialized
	}
	return s.db, nil
}

// WithDB runs fn while holding the connection open against a concurrent Replace.
func (s *SQLiteStore) WithDB(ctx context.Context, fn func(db *sql.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return store.ErrNotInitialized
	}
	return fn(s.db)
}

// CheckState returns the current state of the datastore.
func (s *SQLiteStore) CheckState(ctx context.Context) (store.StoreState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		exists, err := store.CheckExists(s.dbPath)
		if err != nil {
			return store.StateMissing, err
		}
		if !exists {
			return store.StateMissing, nil
		}
		return store.StateUninitialized, store.ErrNotInitialized
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='migrations'`,
	).Scan(&count)
	if err != nil {
		return store.StateUninitialized, fmt.Errorf("failed to check migrations table: %w", err)
	}
	if count == 0 {
		return store.StateUninitialized, nil
	}

	version, err := migrations.CurrentVersion(ctx, s.db)
	if err != nil {
		return store.StateUninitialized, fmt.Errorf("failed to get schema version: %w", err)
	}
	if version < s.registry.Latest() {
		return store.StateBehind, nil
	}
	return store.StateReady, nil
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.WithDB(ctx, func(db *sql.DB) error {
		var err error
		version, err = migrations.CurrentVersion(ctx, db)
		return err
	})
	return version, err
}

// Integrity runs PRAGMA integrity_check and returns store.ErrCorrupt with the
// reported problems unless the engine answers a single "ok". A closed
// connection or an ended ctx is returned as is: the check did not run.
func (s *SQLiteStore) Integrity(ctx context.Context) error {
	return s.WithDB(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
		if err != nil {
			return checkErr(ctx, err)
		}
		defer rows.Close()

		var problems []string
		for rows.Next() {
			var line string
			if err := rows.Scan(&line); err != nil {
				return checkErr(ctx, err)
			}
			problems = append(problems, line)
		}
		if err := rows.Err(); err != nil {
			return checkErr(ctx, err)
		}
		if len(problems) == 1 && problems[0] == "ok" {
			return nil
		}
		return fmt.Errorf("%w: %s", store.ErrCorrupt, strings.Join(problems, "; "))
	})
}

// checkErr reports an engine error during the check as corruption, unless
// ctx ended first.
func checkErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
}

// CheckIntegrity reports whether Integrity passed.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) bool {
	return s.Integrity(ctx) == nil
}

// Export serializes the schema and every row of the database.
func (s *SQLiteStore) Export(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := s.WithDB(ctx, func(db *sql.DB) error {
		doc, err := exportDocument(ctx, db)
		if err != nil {
			return err
		}
		payload, err = doc.marshal()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export database: %w", err)
	}
	return payload, nil
}

// Replace rebuilds the database from an Export payload. The new content is
// built in a side file first; only once it is complete is the live connection
// closed, the file swapped in, and the connection reopened. A payload that
// cannot be decoded or imported leaves the live database untouched.
func (s *SQLiteStore) Replace(ctx context.Context, payload []byte) error {
	doc, err := unmarshalDocument(payload)
	if err != nil {
		return err
	}

	restorePath := s.dbPath + ".restore"
	if err := removeFiles(append([]string{restorePath}, store.SidecarPaths(restorePath)...)); err != nil {
		return err
	}
	if err := importDocument(ctx, restorePath, doc); err != nil {
		_ = removeFiles(append([]string{restorePath}, store.SidecarPaths(restorePath)...))
		return fmt.Errorf("import database: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close live database: %w", err)
		}
		s.db = nil
	}
	if err := removeFiles(store.SidecarPaths(s.dbPath)); err != nil {
		return err
	}
	if err := os.Rename(restorePath, s.dbPath); err != nil {
		return fmt.Errorf("swap restored database: %w", err)
	}

	db, err := openDB(ctx, s.dbPath)
	if err != nil {
		return fmt.Errorf("reopen restored database: %w", err)
	}
	s.db = db
	return nil
}

func removeFiles(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
