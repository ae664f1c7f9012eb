// Package risk manages the capital budget for the execution pipeline.
//
// Capital moves through three states: available, reserved, and committed.
// The execution queue reserves budget before running an opportunity; on
// success the reservation is committed against the new position, on failure
// it is released back. Committed capital returns to the pool when the
// position closes. A reservation is terminal after exactly one of commit or
// release; a second call on the same reservation is an error.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// ErrLimitExceeded is returned when a reservation would exceed the budget.
var ErrLimitExceeded = errors.New("risk: budget limit exceeded")

// ErrUnknownReservation is returned for a commit or release of a reservation
// that does not exist or is already terminal.
var ErrUnknownReservation = errors.New("risk: unknown or settled reservation")

type reservation struct {
	opportunityID string
	amount        decimal.Decimal
	createdAt     time.Time
}

// Manager tracks the capital pool.
type Manager struct {
	logger *slog.Logger

	mu           sync.Mutex
	maxBudget    decimal.Decimal
	reserved     map[string]reservation     // by reservation ID
	committed    map[string]decimal.Decimal // by position ID
	reservedSum  decimal.Decimal
	committedSum decimal.Decimal
	realizedPnl  decimal.Decimal
}

// NewManager creates a manager over a fixed USD budget.
func NewManager(maxBudgetUSD decimal.Decimal, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger.With("component", "risk"),
		maxBudget: maxBudgetUSD,
		reserved:  make(map[string]reservation),
		committed: make(map[string]decimal.Decimal),
	}
}

// Available returns the capital not currently reserved or committed.
func (m *Manager) Available() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked()
}

func (m *Manager) availableLocked() decimal.Decimal {
	return m.maxBudget.Sub(m.reservedSum).Sub(m.committedSum)
}

// ReserveBudget sets capital aside for one opportunity. Fails with
// ErrLimitExceeded when the pool cannot cover the request.
func (m *Manager) ReserveBudget(opportunityID string, amount decimal.Decimal) (*types.BudgetReservation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("risk: reservation amount must be > 0, got %s", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.availableLocked()
	if amount.GreaterThan(available) {
		m.logger.Warn("budget reservation rejected",
			"opportunity_id", opportunityID,
			"requested", amount.String(),
			"available", available.String())
		return nil, fmt.Errorf("%w: requested %s, available %s",
			ErrLimitExceeded, amount, available)
	}

	res := &types.BudgetReservation{
		ID:                 uuid.NewString(),
		OpportunityID:      opportunityID,
		ReservedCapitalUSD: amount,
		CreatedAt:          time.Now(),
	}
	m.reserved[res.ID] = reservation{
		opportunityID: opportunityID,
		amount:        amount,
		createdAt:     res.CreatedAt,
	}
	m.reservedSum = m.reservedSum.Add(amount)

	m.logger.Debug("budget reserved",
		"reservation_id", res.ID,
		"opportunity_id", opportunityID,
		"amount", amount.String(),
		"available", m.availableLocked().String())
	return res, nil
}

// CommitReservation settles a reservation into committed capital for a
// position. deployedUSD is what actually went into the legs; any remainder
// below the reserved amount returns to the pool immediately.
func (m *Manager) CommitReservation(reservationID, positionID string, deployedUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if deployedUSD.GreaterThan(res.amount) {
		return fmt.Errorf("risk: deployed %s exceeds reserved %s", deployedUSD, res.amount)
	}

	delete(m.reserved, reservationID)
	m.reservedSum = m.reservedSum.Sub(res.amount)
	m.committed[positionID] = deployedUSD
	m.committedSum = m.committedSum.Add(deployedUSD)

	m.logger.Info("budget committed",
		"reservation_id", reservationID,
		"position_id", positionID,
		"deployed", deployedUSD.String(),
		"returned", res.amount.Sub(deployedUSD).String())
	return nil
}

// ReleaseReservation returns reserved capital to the pool after a failed or
// abandoned execution.
func (m *Manager) ReleaseReservation(reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reserved, reservationID)
	m.reservedSum = m.reservedSum.Sub(res.amount)

	m.logger.Debug("budget released",
		"reservation_id", reservationID,
		"amount", res.amount.String(),
		"available", m.availableLocked().String())
	return nil
}

// ClosePosition frees the capital committed to a position and folds the
// realized P&L into the pool. A close for an unknown position still records
// the P&L (the position may predate this process).
func (m *Manager) ClosePosition(positionID string, realizedPnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	amount, ok := m.committed[positionID]
	if ok {
		delete(m.committed, positionID)
		m.committedSum = m.committedSum.Sub(amount)
	}
	m.maxBudget = m.maxBudget.Add(realizedPnl)
	m.realizedPnl = m.realizedPnl.Add(realizedPnl)

	m.logger.Info("position capital freed",
		"position_id", positionID,
		"amount", amount.String(),
		"realized_pnl", realizedPnl.String(),
		"available", m.availableLocked().String())
}

// Snapshot returns aggregate budget metrics for the dashboard.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		MaxBudgetUSD:     m.maxBudget,
		ReservedUSD:      m.reservedSum,
		CommittedUSD:     m.committedSum,
		AvailableUSD:     m.availableLocked(),
		RealizedPnlUSD:   m.realizedPnl,
		OpenReservations: len(m.reserved),
		OpenPositions:    len(m.committed),
	}
}

// Snapshot is a point-in-time view of the capital pool.
type Snapshot struct {
	MaxBudgetUSD     decimal.Decimal `json:"max_budget_usd"`
	ReservedUSD      decimal.Decimal `json:"reserved_usd"`
	CommittedUSD     decimal.Decimal `json:"committed_usd"`
	AvailableUSD     decimal.Decimal `json:"available_usd"`
	RealizedPnlUSD   decimal.Decimal `json:"realized_pnl_usd"`
	OpenReservations int             `json:"open_reservations"`
	OpenPositions    int             `json:"open_positions"`
}
