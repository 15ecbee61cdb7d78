package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maloquacious/fcl/internal/config"
	"github.com/maloquacious/fcl/internal/migrations"
	"github.com/maloquacious/fcl/internal/recovery"
	"github.com/maloquacious/fcl/internal/snapshot"
	"github.com/maloquacious/fcl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Snapshots.Max = 3
	return cfg
}

func newTestStorage(t *testing.T, cfg config.Config, opts ...Option) *Storage {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// execLogRegistry builds migrations whose statements are not idempotent, so
// every execution leaves a row in exec_log.
func execLogRegistry(t *testing.T) *migrations.Registry {
	t.Helper()
	r, err := migrations.NewRegistry(
		migrations.Migration{Version: 1, Description: "create exec_log", Up: []string{
			`CREATE TABLE exec_log (version INTEGER NOT NULL)`,
			`INSERT INTO exec_log (version) VALUES (1)`,
		}},
		migrations.Migration{Version: 2, Description: "log two", Up: []string{
			`INSERT INTO exec_log (version) VALUES (2)`,
		}},
		migrations.Migration{Version: 3, Description: "log three", Up: []string{
			`INSERT INTO exec_log (version) VALUES (3)`,
		}},
	)
	require.NoError(t, err)
	return r
}

func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func accountNames(t *testing.T, s *Storage) []string {
	t.Helper()
	db, err := s.DB()
	require.NoError(t, err)
	rows, err := db.Query(`SELECT name FROM accounts ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func addAccount(t *testing.T, s *Storage, name string) {
	t.Helper()
	db, err := s.DB()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO accounts (name) VALUES (?)`, name)
	require.NoError(t, err)
}

// corrupt overwrites every page after the first with garbage, leaving the
// header readable so the file still opens.
func corrupt(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 4096)
	for i := 4096; i < len(data); i++ {
		data[i] = 0xff
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshots.Max = 0

	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t))

	_, err := s.DB()
	assert.ErrorIs(t, err, store.ErrNotInitialized)

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx))

	db, err := s.DB()
	require.NoError(t, err)
	require.NotNil(t, db)

	version, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.LatestVersion(), version)

	state, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, state)

	phase, lastErr := s.Phase()
	assert.Equal(t, PhaseReady, phase)
	assert.NoError(t, lastErr)
}

func TestInitialize_ConcurrentCallersShareOneAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t), WithRegistry(execLogRegistry(t)))

	var attempts atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	s.testHookInit = func() {
		if attempts.Add(1) == 1 {
			close(entered)
		}
		<-release
	}

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = s.Initialize(ctx)
	}()
	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Initialize(ctx)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), attempts.Load())

	db, err := s.DB()
	require.NoError(t, err)
	assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM exec_log`))
	assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM migrations`))
}

func TestInitialize_FailureIsSharedAndRetried(t *testing.T) {
	ctx := context.Background()
	reg, err := migrations.NewRegistry(
		migrations.Migration{Version: 1, Description: "ok", Up: []string{`CREATE TABLE a (id INTEGER)`}},
		migrations.Migration{Version: 2, Description: "broken", Up: []string{`INSERT INTO missing VALUES (1)`}},
	)
	require.NoError(t, err)
	s := newTestStorage(t, testConfig(t), WithRegistry(reg))

	var attempts atomic.Int32
	s.testHookInit = func() { attempts.Add(1) }

	err = s.Initialize(ctx)
	var migErr *migrations.MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, 2, migErr.Version)
	assert.Equal(t, KindMigration, KindOf(err))
	assert.True(t, KindOf(err).Fatal())

	phase, lastErr := s.Phase()
	assert.Equal(t, PhaseFailed, phase)
	assert.ErrorIs(t, lastErr, err)

	_, err = s.DB()
	assert.ErrorIs(t, err, store.ErrNotInitialized)

	// The failed attempt is not cached: the next call runs again.
	assert.Error(t, s.Initialize(ctx))
	assert.Equal(t, int32(2), attempts.Load())

	version, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, 2, failures[0].Version)
}

func TestInitialize_CallerCancelDoesNotAbortAttempt(t *testing.T) {
	s := newTestStorage(t, testConfig(t))

	release := make(chan struct{})
	entered := make(chan struct{})
	s.testHookInit = func() {
		close(entered)
		<-release
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Initialize(ctx) }()

	<-entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		phase, _ := s.Phase()
		return phase == PhaseReady
	}, 5*time.Second, 10*time.Millisecond)

	s.testHookInit = nil
	require.NoError(t, s.Initialize(context.Background()))
}

func TestInitialize_CloseDuringOpen(t *testing.T) {
	s := newTestStorage(t, testConfig(t))
	s.testHookInit = func() {
		require.NoError(t, s.Close())
	}

	assert.ErrorIs(t, s.Initialize(context.Background()), ErrClosed)
	_, err := s.live.DB()
	assert.ErrorIs(t, err, store.ErrNotInitialized, "connection opened after Close must be released")
	phase, _ := s.Phase()
	assert.Equal(t, PhaseClosed, phase)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t))
	require.NoError(t, s.Initialize(ctx))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.DB()
	assert.ErrorIs(t, err, store.ErrNotInitialized)
	assert.ErrorIs(t, s.Initialize(ctx), ErrClosed)

	_, err = s.Backup(ctx)
	var backupErr *BackupError
	assert.ErrorAs(t, err, &backupErr)
	assert.Equal(t, KindBackup, KindOf(err))

	s.TriggerBackup()
	phase, _ := s.Phase()
	assert.Equal(t, PhaseClosed, phase)
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t))
	require.NoError(t, s.Initialize(ctx))

	addAccount(t, s, "A")
	info, err := s.Backup(ctx)
	require.NoError(t, err)

	addAccount(t, s, "B")
	assert.Equal(t, []string{"A", "B"}, accountNames(t, s))

	require.NoError(t, s.Restore(ctx, info.Key))
	assert.Equal(t, []string{"A"}, accountNames(t, s))

	err = s.Restore(ctx, "backup-1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
	assert.Equal(t, KindRecovery, KindOf(err))
	assert.Equal(t, []string{"A"}, accountNames(t, s))
}

func TestBackup_Retention(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := newTestStorage(t, cfg)
	require.NoError(t, s.Initialize(ctx))

	for i := 0; i < cfg.Snapshots.Max+2; i++ {
		_, err := s.Backup(ctx)
		require.NoError(t, err)
	}
	infos, err := s.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, cfg.Snapshots.Max)

	require.NoError(t, s.ClearSnapshots(ctx))
	infos, err = s.Snapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestTriggerBackup_CloseWaits(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))

	s.TriggerBackup()
	require.NoError(t, s.Close())

	snaps, err := snapshot.Open(snapshot.Config{Path: cfg.SnapshotsPath(), Max: cfg.Snapshots.Max})
	require.NoError(t, err)
	defer snaps.Close()
	infos, err := snaps.List(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestStartBackups_CloseWaitsForRunningCapture(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))

	s.StartBackups(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		infos, err := s.Snapshots(ctx)
		return err == nil && len(infos) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	snaps, err := snapshot.Open(snapshot.Config{Path: cfg.SnapshotsPath(), Max: cfg.Snapshots.Max})
	require.NoError(t, err)
	defer snaps.Close()
	infos, err := snaps.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, infos)
}

func TestTriggerBackup_SkippedBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t))

	s.TriggerBackup()
	s.backups.Wait()

	infos, err := s.Snapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestStartBackups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStorage(t, testConfig(t))
	require.NoError(t, s.Initialize(ctx))

	s.StartBackups(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		infos, err := s.Snapshots(context.Background())
		return err == nil && len(infos) >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCheckAndRecoverIfNeeded_Healthy(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t))
	require.NoError(t, s.Initialize(ctx))

	out := s.CheckAndRecoverIfNeeded(ctx)
	assert.False(t, out.Recovered)
	assert.NoError(t, out.Err)
	assert.Equal(t, recovery.State{}, s.Recovery().State())
}

func TestCheckAndRecoverIfNeeded_RestoresLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	addAccount(t, s, "A")
	info, err := s.Backup(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	corrupt(t, cfg.DBPath())

	s = newTestStorage(t, cfg)
	out := s.CheckAndRecoverIfNeeded(ctx)
	require.NoError(t, out.Err)
	assert.True(t, out.Recovered)
	assert.Equal(t, info.Key, out.Key)

	state := s.Recovery().State()
	assert.True(t, state.Recovered)
	assert.Equal(t, out.At, state.At)

	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, []string{"A"}, accountNames(t, s))
	assert.NoError(t, s.Integrity(ctx))

	s.DismissRecovery()
	assert.False(t, s.Recovery().State().Recovered)
	infos, err := s.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestCheckAndRecoverIfNeeded_NoSnapshots(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	addAccount(t, s, "A")
	require.NoError(t, s.Close())

	corrupt(t, cfg.DBPath())
	before, err := os.ReadFile(cfg.DBPath())
	require.NoError(t, err)

	s = newTestStorage(t, cfg)
	out := s.CheckAndRecoverIfNeeded(ctx)
	assert.False(t, out.Recovered)
	assert.ErrorIs(t, out.Err, recovery.ErrNoSnapshots)
	assert.False(t, KindOf(out.Err).Fatal())
	assert.False(t, s.Recovery().State().Recovered)
	require.NoError(t, s.Close())

	after, err := os.ReadFile(cfg.DBPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCheckAndRecoverIfNeeded_ClosedConnectionIsNotCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(t))
	require.NoError(t, s.Initialize(ctx))

	addAccount(t, s, "A")
	_, err := s.Backup(ctx)
	require.NoError(t, err)
	addAccount(t, s, "B")

	require.NoError(t, s.live.Close())
	out := s.recovery.RecoverIfNeeded(ctx)
	assert.False(t, out.Recovered)
	assert.ErrorIs(t, out.Err, store.ErrNotInitialized)
	assert.False(t, s.Recovery().State().Recovered)

	require.NoError(t, s.live.Open(ctx))
	assert.Equal(t, []string{"A", "B"}, accountNames(t, s))
}

func TestRestore_UnopenableFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	addAccount(t, s, "A")
	info, err := s.Backup(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(cfg.DBPath())
	require.NoError(t, err)
	for i := range data {
		data[i] = 0xff
	}
	require.NoError(t, os.WriteFile(cfg.DBPath(), data, 0o644))

	// Startup recovery cannot open a file without a valid header.
	s = newTestStorage(t, cfg)
	out, err := s.Start(ctx)
	assert.Error(t, err)
	assert.False(t, out.Recovered)

	require.NoError(t, s.Restore(ctx, info.Key))
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, []string{"A"}, accountNames(t, s))
	assert.NoError(t, s.Integrity(ctx))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := newTestStorage(t, cfg)

	st := s.Status(ctx)
	assert.Equal(t, "uninitialized", st.Phase)
	assert.Equal(t, "missing", st.State)
	_, err := os.Stat(filepath.Join(cfg.DataDir, cfg.DBFile))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, s.Initialize(ctx))
	_, err = s.Backup(ctx)
	require.NoError(t, err)

	st = s.Status(ctx)
	assert.Equal(t, "ready", st.Phase)
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "ok", st.Integrity)
	assert.Equal(t, s.LatestVersion(), st.SchemaVersion)
	assert.Equal(t, 1, st.Snapshots)
	assert.Equal(t, cfg.Snapshots.Max, st.MaxSnapshots)
	assert.False(t, st.LastSnapshot.IsZero())
}

func TestStart_RecoversCorruptDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)
	addAccount(t, s, "A")
	_, err = s.Backup(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	corrupt(t, cfg.DBPath())

	s = newTestStorage(t, cfg)
	out, err := s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, []string{"A"}, accountNames(t, s))
}
