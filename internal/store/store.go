// Package store defines the persistence interfaces and their two backends:
// an in-memory implementation (paper mode, tests) and a Postgres
// implementation over sqlx.
//
// Repositories return ErrNotFound for missing rows; callers treat it as a
// domain condition, not a failure. All mutating methods copy on write so
// callers never share memory with stored rows.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"crossarb/internal/health"
	"crossarb/pkg/types"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// OrderRepository persists submitted orders.
type OrderRepository interface {
	Create(ctx context.Context, order *types.PersistedOrder) error
	FindByID(ctx context.Context, orderID string) (*types.PersistedOrder, error)
	FindByPairID(ctx context.Context, pairID string) ([]types.PersistedOrder, error)
	FindPending(ctx context.Context) ([]types.PersistedOrder, error)
	// UpdateStatus transitions an order and optionally records its fill.
	UpdateStatus(ctx context.Context, orderID string, status types.PersistedOrderStatus, fillPrice *decimal.Decimal, fillSize *int64) error
}

// PositionRepository persists arbitrage positions.
type PositionRepository interface {
	Create(ctx context.Context, pos *types.Position) error
	FindByID(ctx context.Context, id string) (*types.Position, error)
	FindByIDWithPair(ctx context.Context, id string) (*types.PositionWithPair, error)
	FindByStatus(ctx context.Context, statuses ...types.PositionStatus) ([]types.Position, error)
	FindByStatusWithPair(ctx context.Context, statuses ...types.PositionStatus) ([]types.PositionWithPair, error)
	// FindActive returns positions that still carry venue exposure.
	FindActive(ctx context.Context) ([]types.Position, error)
	Update(ctx context.Context, pos *types.Position) error
	UpdateStatus(ctx context.Context, id string, status types.PositionStatus) error
}

// PairRepository persists contract pairs.
type PairRepository interface {
	Create(ctx context.Context, pair *types.Pair) error
	FindByID(ctx context.Context, id string) (*types.Pair, error)
	List(ctx context.Context) ([]types.Pair, error)
}

// HealthRepository is the append-only health transition log.
type HealthRepository interface {
	health.Recorder
	RecentTransitions(ctx context.Context, limit int) ([]health.Record, error)
}

// Repositories bundles all repositories behind one handle.
type Repositories struct {
	Orders    OrderRepository
	Positions PositionRepository
	Pairs     PairRepository
	Health    HealthRepository
}
