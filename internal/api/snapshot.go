package api

import (
	"context"
	"time"

	"crossarb/internal/exposure"
	"crossarb/internal/risk"
	"crossarb/pkg/types"
)

// SnapshotProvider exposes the engine state the dashboard aggregates.
// Implemented by the engine; stubbed in handler tests.
type SnapshotProvider interface {
	IsPaper() bool
	VenueHealth() []types.VenueHealth
	RiskSnapshot() risk.Snapshot
	ExposureSnapshot() exposure.Snapshot
	ActivePositions(ctx context.Context) ([]types.PositionWithPair, error)
}

// EngineSnapshot is the complete dashboard state.
type EngineSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Paper     bool      `json:"paper"`

	Venues   []types.VenueHealth `json:"venues"`
	Risk     risk.Snapshot       `json:"risk"`
	Exposure exposure.Snapshot   `json:"exposure"`

	Positions        []types.PositionWithPair `json:"positions"`
	PositionsByState map[string]int           `json:"positions_by_state"`

	Reconciliation any `json:"reconciliation,omitempty"`
}

// BuildSnapshot aggregates state from all components.
func BuildSnapshot(ctx context.Context, provider SnapshotProvider, recon Reconciler) (*EngineSnapshot, error) {
	positions, err := provider.ActivePositions(ctx)
	if err != nil {
		return nil, err
	}

	byState := make(map[string]int, 4)
	for _, pos := range positions {
		byState[string(pos.Status)]++
	}

	snap := &EngineSnapshot{
		Timestamp:        time.Now().UTC(),
		Paper:            provider.IsPaper(),
		Venues:           provider.VenueHealth(),
		Risk:             provider.RiskSnapshot(),
		Exposure:         provider.ExposureSnapshot(),
		Positions:        positions,
		PositionsByState: byState,
	}
	if recon != nil {
		snap.Reconciliation = recon.Status()
	}
	return snap, nil
}
