package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/health"
	"crossarb/pkg/types"
)

// NewMemory creates in-memory repositories. Used in paper mode and tests.
func NewMemory() *Repositories {
	pairs := &memPairs{pairs: make(map[string]types.Pair)}
	return &Repositories{
		Orders:    &memOrders{orders: make(map[string]types.PersistedOrder)},
		Positions: &memPositions{positions: make(map[string]types.Position), pairs: pairs},
		Pairs:     pairs,
		Health:    &memHealth{},
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type memOrders struct {
	mu     sync.RWMutex
	orders map[string]types.PersistedOrder
}

func (m *memOrders) Create(ctx context.Context, order *types.PersistedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *order
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.orders[cp.OrderID] = cp
	return nil
}

func (m *memOrders) FindByID(ctx context.Context, orderID string) (*types.PersistedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &order, nil
}

func (m *memOrders) FindByPairID(ctx context.Context, pairID string) ([]types.PersistedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.PersistedOrder
	for _, order := range m.orders {
		if order.PairID == pairID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (m *memOrders) FindPending(ctx context.Context) ([]types.PersistedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.PersistedOrder
	for _, order := range m.orders {
		if order.Status == types.OrderStatusPending || order.Status == types.OrderStatusPartial {
			out = append(out, order)
		}
	}
	return out, nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, orderID string, status types.PersistedOrderStatus, fillPrice *decimal.Decimal, fillSize *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.Status = status
	if fillPrice != nil {
		fp := *fillPrice
		order.FillPrice = &fp
	}
	if fillSize != nil {
		fs := *fillSize
		order.FillSize = &fs
	}
	order.UpdatedAt = time.Now()
	m.orders[orderID] = order
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type memPositions struct {
	mu        sync.RWMutex
	positions map[string]types.Position
	pairs     *memPairs // set by NewMemory wiring below
}

func copyPosition(pos types.Position) types.Position {
	cp := pos
	if pos.ExitOrderIDs != nil {
		cp.ExitOrderIDs = make(map[types.Venue]string, len(pos.ExitOrderIDs))
		for k, v := range pos.ExitOrderIDs {
			cp.ExitOrderIDs[k] = v
		}
	}
	if pos.Sides != nil {
		cp.Sides = make(map[types.Venue]types.Side, len(pos.Sides))
		for k, v := range pos.Sides {
			cp.Sides[k] = v
		}
	}
	if pos.EntryPrices != nil {
		cp.EntryPrices = make(map[types.Venue]decimal.Decimal, len(pos.EntryPrices))
		for k, v := range pos.EntryPrices {
			cp.EntryPrices[k] = v
		}
	}
	if pos.Sizes != nil {
		cp.Sizes = make(map[types.Venue]int64, len(pos.Sizes))
		for k, v := range pos.Sizes {
			cp.Sizes[k] = v
		}
	}
	if pos.PrimaryOrderID != nil {
		id := *pos.PrimaryOrderID
		cp.PrimaryOrderID = &id
	}
	if pos.SecondaryOrderID != nil {
		id := *pos.SecondaryOrderID
		cp.SecondaryOrderID = &id
	}
	return cp
}

func (m *memPositions) Create(ctx context.Context, pos *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyPosition(*pos)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.positions[cp.ID] = cp
	return nil
}

func (m *memPositions) FindByID(ctx context.Context, id string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyPosition(pos)
	return &cp, nil
}

func (m *memPositions) FindByIDWithPair(ctx context.Context, id string) (*types.PositionWithPair, error) {
	pos, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	pair, err := m.pairs.FindByID(ctx, pos.PairID)
	if err != nil {
		return nil, err
	}
	return &types.PositionWithPair{Position: *pos, Pair: *pair}, nil
}

func (m *memPositions) FindByStatus(ctx context.Context, statuses ...types.PositionStatus) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Position
	for _, pos := range m.positions {
		for _, status := range statuses {
			if pos.Status == status {
				out = append(out, copyPosition(pos))
				break
			}
		}
	}
	return out, nil
}

func (m *memPositions) FindByStatusWithPair(ctx context.Context, statuses ...types.PositionStatus) ([]types.PositionWithPair, error) {
	positions, err := m.FindByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	out := make([]types.PositionWithPair, 0, len(positions))
	for _, pos := range positions {
		pair, err := m.pairs.FindByID(ctx, pos.PairID)
		if err != nil {
			return nil, err
		}
		out = append(out, types.PositionWithPair{Position: pos, Pair: *pair})
	}
	return out, nil
}

func (m *memPositions) FindActive(ctx context.Context) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Position
	for _, pos := range m.positions {
		if pos.Status.Active() {
			out = append(out, copyPosition(pos))
		}
	}
	return out, nil
}

func (m *memPositions) Update(ctx context.Context, pos *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[pos.ID]; !ok {
		return ErrNotFound
	}
	cp := copyPosition(*pos)
	cp.UpdatedAt = time.Now()
	m.positions[cp.ID] = cp
	return nil
}

func (m *memPositions) UpdateStatus(ctx context.Context, id string, status types.PositionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	pos.Status = status
	pos.UpdatedAt = time.Now()
	m.positions[id] = pos
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Pairs
// ————————————————————————————————————————————————————————————————————————

type memPairs struct {
	mu    sync.RWMutex
	pairs map[string]types.Pair
}

func copyPair(pair types.Pair) types.Pair {
	cp := pair
	if pair.ContractIDs != nil {
		cp.ContractIDs = make(map[types.Venue]string, len(pair.ContractIDs))
		for k, v := range pair.ContractIDs {
			cp.ContractIDs[k] = v
		}
	}
	if pair.ResolutionDate != nil {
		rd := *pair.ResolutionDate
		cp.ResolutionDate = &rd
	}
	return cp
}

func (m *memPairs) Create(ctx context.Context, pair *types.Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[pair.ID] = copyPair(*pair)
	return nil
}

func (m *memPairs) FindByID(ctx context.Context, id string) (*types.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pair, ok := m.pairs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyPair(pair)
	return &cp, nil
}

func (m *memPairs) List(ctx context.Context) ([]types.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Pair, 0, len(m.pairs))
	for _, pair := range m.pairs {
		out = append(out, copyPair(pair))
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Health log
// ————————————————————————————————————————————————————————————————————————

type memHealth struct {
	mu   sync.Mutex
	recs []health.Record
}

func (m *memHealth) RecordHealthTransition(ctx context.Context, rec health.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memHealth) RecentTransitions(ctx context.Context, limit int) ([]health.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.recs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]health.Record, 0, n)
	for i := len(m.recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.recs[i])
	}
	return out, nil
}
