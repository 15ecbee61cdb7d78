// Package migrations evolves the live schema through an ordered registry of
// versioned migrations, recording each applied version in an audit table.
package migrations

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Migration is one versioned schema change. Once released, a migration is
// never edited: fixes ship as a new, higher version.
type Migration struct {
	Version     int
	Description string
	// Up statements run in order when the migration is applied.
	Up []string
	// Down statements undo Up. They are kept for reference only.
	Down []string
}

// Status is the outcome stored with a Record.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is a row of the migrations audit table.
type Record struct {
	ID          int64
	Version     int
	Description string
	ExecutedAt  time.Time
	Status      Status
}

// Failure is a row of the migration_failures table.
type Failure struct {
	ID          int64
	Version     int
	Description string
	Error       string
	FailedAt    time.Time
}

var (
	ErrDuplicateVersion = errors.New("duplicate migration version")
	ErrInvalidMigration = errors.New("invalid migration")
)

// ConfigurationError reports a registry that must not be used.
// It is fatal at startup.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "migration registry: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// MigrationError reports the version whose statements failed.
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d failed: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Registry is an immutable list of migrations in ascending version order.
type Registry struct {
	migrations []Migration
}

// NewRegistry validates ms and orders them by version.
func NewRegistry(ms ...Migration) (*Registry, error) {
	sorted := make([]Migration, len(ms))
	copy(sorted, ms)
	slices.SortStableFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })

	for i, m := range sorted {
		if m.Version <= 0 {
			return nil, &ConfigurationError{Err: fmt.Errorf("%w: version %d must be positive", ErrInvalidMigration, m.Version)}
		}
		if strings.TrimSpace(m.Description) == "" {
			return nil, &ConfigurationError{Err: fmt.Errorf("%w: version %d has no description", ErrInvalidMigration, m.Version)}
		}
		if len(m.Up) == 0 {
			return nil, &ConfigurationError{Err: fmt.Errorf("%w: version %d has no up statements", ErrInvalidMigration, m.Version)}
		}
		if i > 0 && sorted[i-1].Version == m.Version {
			return nil, &ConfigurationError{Err: fmt.Errorf("%w: %d", ErrDuplicateVersion, m.Version)}
		}
		sorted[i].Up = slices.Clone(m.Up)
		sorted[i].Down = slices.Clone(m.Down)
	}
	return &Registry{migrations: sorted}, nil
}

// MustRegistry is NewRegistry for compiled-in registries; it panics on error.
func MustRegistry(ms ...Migration) *Registry {
	r, err := NewRegistry(ms...)
	if err != nil {
		panic(err)
	}
	return r
}

// Migrations returns a copy of the registry in ascending version order.
func (r *Registry) Migrations() []Migration {
	return slices.Clone(r.migrations)
}

// Len returns the number of migrations.
func (r *Registry) Len() int {
	return len(r.migrations)
}

// Latest returns the highest version, or 0 for an empty registry.
func (r *Registry) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Get returns the migration with the given version.
func (r *Registry) Get(version int) (Migration, bool) {
	i, ok := slices.BinarySearchFunc(r.migrations, version, func(m Migration, v int) int { return m.Version - v })
	if !ok {
		return Migration{}, false
	}
	return r.migrations[i], true
}

// pending returns the migrations whose version is not in applied, in order.
func (r *Registry) pending(applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range r.migrations {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}
