package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/fcl/internal/logger"
	"github.com/maloquacious/fcl/internal/metrics"
)

// Runner applies the pending migrations of a registry to a database.
type Runner struct {
	registry *Registry
	logger   logger.Logger
	now      func() time.Time
}

// NewRunner creates a Runner for registry.
func NewRunner(registry *Registry, l logger.Logger) *Runner {
	return &Runner{
		registry: registry,
		logger:   logger.OrNop(l),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the registry the runner applies.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run applies every registry migration not yet recorded as completed, in
// ascending version order. Each migration's statements and its audit record
// commit in a single transaction. The first failure stops the run and is
// returned as a *MigrationError; later migrations are not attempted.
func (r *Runner) Run(ctx context.Context, db *sql.DB) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		// An unreadable history is treated like an empty database.
		r.logger.Warn("read applied migrations failed, assuming none", "error", err)
		applied = map[int]bool{}
	}

	pending := r.registry.pending(applied)
	if len(pending) == 0 {
		r.logger.Debug("all migrations are up to date", "latest", r.registry.Latest())
		return nil
	}

	r.logger.Info("running pending migrations", "count", len(pending))
	for _, m := range pending {
		if err := r.apply(ctx, db, m); err != nil {
			metrics.MigrationFailuresTotal.Inc()
			r.logger.Error("migration failed", "version", m.Version, "error", err)
			r.recordFailure(context.WithoutCancel(ctx), db, m, err)
			return &MigrationError{Version: m.Version, Err: err}
		}
		metrics.MigrationsAppliedTotal.Inc()
		r.logger.Info("migration applied", "version", m.Version, "description", m.Description)
	}
	return nil
}

// Pending returns the migrations Run would apply. It does not create the
// audit table.
func (r *Runner) Pending(ctx context.Context, db *sql.DB) ([]Migration, error) {
	exists, err := tableExists(ctx, db, "migrations")
	if err != nil {
		return nil, err
	}
	if !exists {
		return r.registry.Migrations(), nil
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	return r.registry.pending(applied), nil
}

func (r *Runner) apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range m.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	// Parameters store the description verbatim, quotes included.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO migrations (version, description, executed_at, status) VALUES (?, ?, ?, ?)`,
		m.Version, m.Description, r.now(), string(StatusCompleted),
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

func (r *Runner) recordFailure(ctx context.Context, db *sql.DB, m Migration, cause error) {
	if _, err := db.ExecContext(ctx,
		`INSERT INTO migration_failures (version, description, error, failed_at) VALUES (?, ?, ?, ?)`,
		m.Version, m.Description, cause.Error(), r.now(),
	); err != nil {
		r.logger.Warn("record migration failure", "version", m.Version, "error", err)
	}
}

// History returns the audit records, newest version first. A database without
// the audit table has no history.
func History(ctx context.Context, db *sql.DB) ([]Record, error) {
	exists, err := tableExists(ctx, db, "migrations")
	if err != nil || !exists {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, version, description, executed_at, status FROM migrations ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Description, &rec.ExecutedAt, &status); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		rec.Status = Status(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Failures returns recorded migration failures, most recent first.
func Failures(ctx context.Context, db *sql.DB) ([]Failure, error) {
	exists, err := tableExists(ctx, db, "migration_failures")
	if err != nil || !exists {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, version, description, error, failed_at FROM migration_failures ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query migration failures: %w", err)
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.Version, &f.Description, &f.Error, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("scan migration failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// CurrentVersion returns the highest completed version, or 0.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	exists, err := tableExists(ctx, db, "migrations")
	if err != nil || !exists {
		return 0, err
	}

	var version int
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM migrations WHERE status = ?`, string(StatusCompleted),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			description TEXT NOT NULL,
			executed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			status TEXT DEFAULT 'completed'
		)
	`); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			description TEXT NOT NULL,
			error TEXT NOT NULL,
			failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT version FROM migrations WHERE status = ? ORDER BY version ASC`, string(StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return count > 0, nil
}
