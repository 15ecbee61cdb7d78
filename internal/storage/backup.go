package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/fcl/internal/recovery"
	"github.com/maloquacious/fcl/internal/snapshot"
)

// Backup captures a snapshot of the live database and waits for it.
func (s *Storage) Backup(ctx context.Context) (snapshot.Info, error) {
	if err := s.open(ctx); err != nil {
		return snapshot.Info{}, &BackupError{Err: err}
	}
	info, err := s.snapshots.Capture(ctx, s.live)
	if err != nil {
		return snapshot.Info{}, &BackupError{Err: err}
	}
	return info, nil
}

// TriggerBackup starts a snapshot in the background and returns at once.
// Failures are logged, never returned. Close waits for the capture to end.
func (s *Storage) TriggerBackup() {
	s.mu.Lock()
	if s.phase != PhaseReady {
		phase := s.phase
		s.mu.Unlock()
		s.logger.Debug("backup skipped", "phase", phase)
		return
	}
	s.backups.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.backups.Done()
		s.backupOnce(context.Background())
	}()
}

// backupOnce captures a snapshot for a backup admitted while Ready. The
// phase is not checked again: Close marks the Storage closed first, then
// waits for admitted backups before closing the live database.
func (s *Storage) backupOnce(ctx context.Context) {
	if _, err := s.snapshots.Capture(ctx, s.live); err != nil {
		s.logger.Warn("backup failed", "error", &BackupError{Err: err})
	}
}

// StartBackups captures a snapshot every interval until ctx is done or the
// Storage is closed. A non-positive interval does nothing.
func (s *Storage) StartBackups(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.backups.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.backups.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("periodic backups started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if phase, _ := s.Phase(); phase != PhaseReady {
					continue
				}
				s.backupOnce(ctx)
			}
		}
	}()
}

// Snapshots lists stored snapshots, newest first.
func (s *Storage) Snapshots(ctx context.Context) ([]snapshot.Info, error) {
	return s.snapshots.List(ctx)
}

// MaxSnapshots returns the retention bound of the snapshot area.
func (s *Storage) MaxSnapshots() int {
	return s.snapshots.Max()
}

// ClearSnapshots deletes every stored snapshot.
func (s *Storage) ClearSnapshots(ctx context.Context) error {
	return s.snapshots.Clear(ctx)
}

// Restore replaces the live database with the snapshot stored under key and
// migrates it forward to the current schema. The live file is not opened
// first, so a file the engine cannot open at all can still be replaced.
func (s *Storage) Restore(ctx context.Context, key string) error {
	s.mu.Lock()
	closed := s.phase == PhaseClosed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.snapshots.Restore(ctx, key, s.live); err != nil {
		return err
	}
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("migrate restored database: %w", err)
	}
	return nil
}

// CheckAndRecoverIfNeeded runs the integrity check and restores the newest
// usable snapshot if the live database is corrupt. A restored database is
// migrated forward. Intended to run once after startup.
func (s *Storage) CheckAndRecoverIfNeeded(ctx context.Context) recovery.Outcome {
	if err := s.open(ctx); err != nil {
		return recovery.Outcome{Err: err}
	}

	out := s.recovery.RecoverIfNeeded(ctx)
	if !out.Recovered {
		if out.Err != nil {
			s.logger.Error("database is corrupt and could not be recovered", "error", out.Err)
		}
		return out
	}

	if err := s.migrate(ctx); err != nil {
		s.logger.Error("migrate recovered database", "key", out.Key, "error", err)
		out.Err = err
	}
	return out
}

// Start initializes the storage and then runs the post-boot integrity check.
// If initialization failed and recovery restored a snapshot, initialization
// is attempted once more against the restored database.
//
// Recovery needs a file the engine can open. A file whose header is
// destroyed fails to open ("file is not a database"), so it is reported as
// an initialization error and no snapshot is restored; use "fcl db restore"
// for that case.
func (s *Storage) Start(ctx context.Context) (recovery.Outcome, error) {
	initErr := s.Initialize(ctx)
	if errors.Is(initErr, ErrClosed) || errors.Is(initErr, context.Canceled) {
		return recovery.Outcome{}, initErr
	}

	out := s.CheckAndRecoverIfNeeded(ctx)
	if out.Recovered && initErr != nil {
		s.logger.Info("retrying initialization on recovered database", "key", out.Key)
		initErr = s.Initialize(ctx)
	}
	return out, initErr
}

// Recovery returns the observable recovery flag.
func (s *Storage) Recovery() *recovery.Flag {
	return s.recovery.Flag()
}

// DismissRecovery clears the recovery flag. Snapshots are kept.
func (s *Storage) DismissRecovery() {
	s.recovery.Flag().Dismiss()
}
