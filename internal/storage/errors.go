package storage

import (
	"errors"

	"github.com/maloquacious/fcl/internal/migrations"
	"github.com/maloquacious/fcl/internal/recovery"
	"github.com/maloquacious/fcl/internal/snapshot"
	"github.com/maloquacious/fcl/internal/store"
)

var (
	// ErrClosed is returned by operations on a closed Storage.
	ErrClosed = errors.New("storage closed")
	// ErrInvalidConfig wraps configuration rejected by New.
	ErrInvalidConfig = errors.New("invalid storage configuration")
)

// BackupError reports a snapshot capture that failed. Backups are best
// effort: TriggerBackup logs these and carries on.
type BackupError struct {
	Err error
}

func (e *BackupError) Error() string {
	return "backup failed: " + e.Err.Error()
}

func (e *BackupError) Unwrap() error { return e.Err }

// Kind classifies storage errors by how callers must react to them.
type Kind int

const (
	KindNone Kind = iota
	KindUnknown
	KindConfiguration
	KindMigration
	KindIntegrity
	KindRecovery
	KindBackup
	KindNotInitialized
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfiguration:
		return "configuration"
	case KindMigration:
		return "migration"
	case KindIntegrity:
		return "integrity"
	case KindRecovery:
		return "recovery"
	case KindBackup:
		return "backup"
	case KindNotInitialized:
		return "not_initialized"
	}
	return "unknown"
}

// Fatal reports whether an error of this kind must stop the application.
// Integrity, recovery and backup failures leave it running, degraded.
func (k Kind) Fatal() bool {
	switch k {
	case KindNone, KindIntegrity, KindRecovery, KindBackup:
		return false
	}
	return true
}

// KindOf classifies err. The outermost recognized error wins, so a backup
// that failed because the store was closed is still a backup failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		backupErr    *BackupError
		migrationErr *migrations.MigrationError
		configErr    *migrations.ConfigurationError
	)
	switch {
	case errors.As(err, &backupErr):
		return KindBackup
	case errors.As(err, &configErr), errors.Is(err, ErrInvalidConfig):
		return KindConfiguration
	case errors.As(err, &migrationErr):
		return KindMigration
	case errors.Is(err, recovery.ErrNoSnapshots),
		errors.Is(err, recovery.ErrStillCorrupt),
		errors.Is(err, snapshot.ErrChecksumMismatch),
		errors.Is(err, snapshot.ErrNotFound),
		errors.Is(err, store.ErrInvalidExport):
		return KindRecovery
	case errors.Is(err, store.ErrCorrupt):
		return KindIntegrity
	case errors.Is(err, store.ErrNotInitialized), errors.Is(err, ErrClosed):
		return KindNotInitialized
	}
	return KindUnknown
}
