package store

import (
	"context"
	"database/sql"
	"errors"
)

// StoreState represents the initialization state of the datastore.
type StoreState int

const (
	StateMissing       StoreState = iota // File doesn't exist
	StateUninitialized                   // File exists but no migrations table
	StateBehind                          // Migrations pending
	StateReady                           // All registry migrations applied
)

func (s StoreState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateUninitialized:
		return "uninitialized"
	case StateBehind:
		return "behind"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

var (
	// ErrNotInitialized is returned when the connection is used before it was
	// opened or after it was closed.
	ErrNotInitialized = errors.New("database not initialized")
	// ErrCorrupt is returned by integrity checks that report problems.
	ErrCorrupt = errors.New("database integrity check failed")
	// ErrInvalidExport is returned when a payload is not a database export.
	ErrInvalidExport = errors.New("invalid database export")
)

// Store defines the live datastore contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open opens the datastore connection, reusing it if already open.
	Open(ctx context.Context) error

	// Close closes the datastore connection.
	Close() error

	// DB returns the open connection, or ErrNotInitialized.
	DB() (*sql.DB, error)

	// WithDB runs fn with the open connection; Replace waits for fn to return.
	WithDB(ctx context.Context, fn func(db *sql.DB) error) error

	// CheckState returns the current state of the datastore.
	CheckState(ctx context.Context) (StoreState, error)

	// SchemaVersion returns the highest applied migration version.
	SchemaVersion(ctx context.Context) (int, error)

	// Integrity runs the engine's structural self-test. Problems found are
	// reported as ErrCorrupt; any other error means the check did not run.
	Integrity(ctx context.Context) error

	// CheckIntegrity reports whether Integrity passed.
	CheckIntegrity(ctx context.Context) bool

	// Export serializes the entire schema and data into one document.
	Export(ctx context.Context) ([]byte, error)

	// Replace swaps the entire database content for an Export payload.
	Replace(ctx context.Context, payload []byte) error
}
