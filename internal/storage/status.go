package storage

import (
	"context"
	"time"

	"github.com/maloquacious/fcl/internal/recovery"
	"github.com/maloquacious/fcl/internal/store"
)

// Status summarizes the storage lifecycle for operators.
type Status struct {
	Phase         string         `json:"phase"`
	LastError     string         `json:"lastError,omitempty"`
	State         string         `json:"state"`
	SchemaVersion int            `json:"schemaVersion"`
	LatestVersion int            `json:"latestVersion"`
	Integrity     string         `json:"integrity"`
	Recovery      recovery.State `json:"recovery"`
	Snapshots     int            `json:"snapshots"`
	MaxSnapshots  int            `json:"maxSnapshots"`
	LastSnapshot  time.Time      `json:"lastSnapshot,omitzero"`
}

// Status collects the current lifecycle state. Parts that cannot be read are
// reported as "unknown" rather than failing the whole summary.
func (s *Storage) Status(ctx context.Context) Status {
	phase, lastErr := s.Phase()
	st := Status{
		Phase:         phase.String(),
		State:         "unknown",
		LatestVersion: s.LatestVersion(),
		Integrity:     "unknown",
		Recovery:      s.Recovery().State(),
		MaxSnapshots:  s.MaxSnapshots(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if phase == PhaseClosed {
		return st
	}

	state, err := s.State(ctx)
	if err == nil {
		st.State = state.String()
	}
	if err == nil && state != store.StateMissing {
		if v, err := s.Version(ctx); err == nil {
			st.SchemaVersion = v
		}
	}
	if phase == PhaseReady {
		st.Integrity = "ok"
		if err := s.Integrity(ctx); err != nil {
			st.Integrity = "corrupt"
		}
	}
	if infos, err := s.Snapshots(ctx); err == nil {
		st.Snapshots = len(infos)
		if len(infos) > 0 {
			st.LastSnapshot = infos[0].Timestamp
		}
	}
	return st
}
