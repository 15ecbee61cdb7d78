// Package recovery checks the live database and, when the engine reports it
// corrupt, restores it from the snapshot area.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/fcl/internal/logger"
	"github.com/maloquacious/fcl/internal/metrics"
	"github.com/maloquacious/fcl/internal/snapshot"
	"github.com/maloquacious/fcl/internal/store"
)

var (
	// ErrNoSnapshots is reported when recovery is needed but none is stored.
	ErrNoSnapshots = errors.New("no snapshots available for recovery")
	// ErrStillCorrupt is reported when a restored database fails its
	// integrity check.
	ErrStillCorrupt = errors.New("restored database failed integrity check")
)

// Live is the live database as seen by recovery.
type Live interface {
	// Integrity reports problems as store.ErrCorrupt. Any other error means
	// the check could not run, for example on a closed connection.
	Integrity(ctx context.Context) error
	snapshot.Replacer
}

// Snapshots is the snapshot area as seen by recovery.
type Snapshots interface {
	List(ctx context.Context) ([]snapshot.Info, error)
	Restore(ctx context.Context, key string, replacer snapshot.Replacer) error
}

// Policy selects which snapshots a recovery attempt may use.
type Policy struct {
	// Cascade tries older snapshots in turn when the newest cannot be
	// restored. Without it only the newest is tried.
	Cascade bool
}

// Outcome is the result of RecoverIfNeeded.
type Outcome struct {
	Recovered bool      `json:"recovered"`
	Key       string    `json:"key,omitempty"`
	At        time.Time `json:"at,omitzero"`
	Err       error     `json:"-"`
}

// Controller runs integrity checks and recovery.
type Controller struct {
	live      Live
	snapshots Snapshots
	policy    Policy
	flag      *Flag
	logger    logger.Logger
	now       func() time.Time
}

// NewController returns a Controller that reports recoveries on flag.
func NewController(live Live, snapshots Snapshots, policy Policy, flag *Flag, l logger.Logger) *Controller {
	if flag == nil {
		flag = NewFlag()
	}
	return &Controller{
		live:      live,
		snapshots: snapshots,
		policy:    policy,
		flag:      flag,
		logger:    logger.OrNop(l),
		now:       time.Now,
	}
}

// Flag returns the recovery flag.
func (c *Controller) Flag() *Flag {
	return c.flag
}

// CheckIntegrity runs the live database's self-test. Only an error wrapping
// store.ErrCorrupt means the database is corrupt.
func (c *Controller) CheckIntegrity(ctx context.Context) error {
	err := c.live.Integrity(ctx)
	switch {
	case err == nil:
		metrics.IntegrityChecksTotal.WithLabelValues(metrics.Healthy).Inc()
	case errors.Is(err, store.ErrCorrupt):
		metrics.IntegrityChecksTotal.WithLabelValues(metrics.Corrupt).Inc()
	default:
		metrics.IntegrityChecksTotal.WithLabelValues(metrics.Unavailable).Inc()
	}
	return err
}

// RecoverIfNeeded restores the live database from a snapshot if it fails
// its integrity check. A healthy database is left alone and reported as not
// recovered, and so is one whose check could not run. Failures are reported
// in Outcome.Err and never change the live database beyond what a successful
// restore would.
func (c *Controller) RecoverIfNeeded(ctx context.Context) Outcome {
	err := c.CheckIntegrity(ctx)
	if err == nil {
		return Outcome{}
	}
	if !errors.Is(err, store.ErrCorrupt) {
		c.logger.Warn("integrity check did not run, recovery skipped", "error", err)
		return Outcome{Err: fmt.Errorf("integrity check: %w", err)}
	}
	c.logger.Error("live database failed integrity check, attempting recovery", "error", err)

	infos, err := c.snapshots.List(ctx)
	if err != nil {
		metrics.RecoveriesTotal.WithLabelValues(metrics.Fail).Inc()
		c.logger.Error("recovery failed: list snapshots", "error", err)
		return Outcome{Err: fmt.Errorf("list snapshots: %w", err)}
	}
	if len(infos) == 0 {
		metrics.RecoveriesTotal.WithLabelValues(metrics.Skipped).Inc()
		c.logger.Error("recovery failed", "error", ErrNoSnapshots)
		return Outcome{Err: ErrNoSnapshots}
	}

	candidates := infos[:1]
	if c.policy.Cascade {
		candidates = infos
	}

	var lastErr error
	for _, info := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if err := c.snapshots.Restore(ctx, info.Key, c.live); err != nil {
			c.logger.Error("restore snapshot failed", "key", info.Key, "error", err)
			lastErr = err
			continue
		}
		if err := c.live.Integrity(ctx); err != nil {
			if !errors.Is(err, store.ErrCorrupt) {
				lastErr = fmt.Errorf("check restored snapshot %s: %w", info.Key, err)
				break
			}
			c.logger.Error("restored snapshot failed integrity check", "key", info.Key, "error", err)
			lastErr = fmt.Errorf("%w: %s", ErrStillCorrupt, info.Key)
			continue
		}

		at := c.now()
		c.flag.Set(at)
		metrics.RecoveriesTotal.WithLabelValues(metrics.Recovered).Inc()
		c.logger.Warn("live database recovered from snapshot", "key", info.Key, "snapshot_time", info.Timestamp)
		return Outcome{Recovered: true, Key: info.Key, At: at}
	}

	metrics.RecoveriesTotal.WithLabelValues(metrics.Fail).Inc()
	return Outcome{Err: lastErr}
}
