package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keys for fcl metric labels.
const (
	Fail = "fail"
	Ok   = "ok"

	Healthy     = "healthy"
	Corrupt     = "corrupt"
	Unavailable = "unavailable"
	Recovered   = "recovered"
	Skipped     = "skipped"
)

// Collectors for the storage lifecycle.
var (
	MigrationsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcl_migrations_applied_total",
		Help: "Cumulative number of schema migrations applied.",
	})
	MigrationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcl_migration_failures_total",
		Help: "Cumulative number of schema migrations that failed and were rolled back.",
	})
	InitializationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcl_initializations_total",
		Help: "Cumulative number of storage initialization attempts, by status.",
	}, []string{"status"})
	SnapshotCapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcl_snapshot_captures_total",
		Help: "Cumulative number of snapshot captures, by status.",
	}, []string{"status"})
	SnapshotsRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fcl_snapshots_retained",
		Help: "Number of snapshots currently held in the snapshot area.",
	})
	SnapshotBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fcl_snapshot_last_bytes",
		Help: "Uncompressed size of the most recently captured snapshot.",
	})
	IntegrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcl_integrity_checks_total",
		Help: "Cumulative number of live database integrity checks, by result.",
	}, []string{"result"})
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcl_recoveries_total",
		Help: "Cumulative number of recovery attempts after a failed integrity check, by status.",
	}, []string{"status"})
)
