// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage engine — venues,
// order books, orders, positions, reservations, and execution errors. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// All monetary and probability values are exact decimals (shopspring/decimal).
// Prices on binary contracts are probabilities in [0, 1].
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the two trading platforms the engine arbitrages.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// Other returns the opposite venue of a two-venue pair.
func (v Venue) Other() Venue {
	if v == VenueKalshi {
		return VenuePolymarket
	}
	return VenueKalshi
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the side that unwinds this one.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Mode distinguishes live trading from paper simulation. Connectors report
// their mode so events can flag paper and mixed-mode executions.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// ————————————————————————————————————————————————————————————————————————
// Order books
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in a normalized order book.
// Price is a probability in [0, 1]; Quantity is a contract count (> 0).
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// NormalizedOrderBook is the venue-independent order book representation.
// Bids are sorted descending by price, asks ascending. A book may be
// "crossed" (best bid >= best ask) — allowed, but flagged by the normalizer.
type NormalizedOrderBook struct {
	Venue      Venue        `json:"venue"`
	ContractID string       `json:"contract_id"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
	Seq        uint64       `json:"seq,omitempty"`
}

// BestBid returns the top bid, or ok=false when the bid side is empty.
func (b *NormalizedOrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, or ok=false when the ask side is empty.
func (b *NormalizedOrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// ————————————————————————————————————————————————————————————————————————
// Venue health
// ————————————————————————————————————————————————————————————————————————

// HealthStatus classifies a venue connection.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthDisconnected HealthStatus = "disconnected"
)

// VenueHealth is a point-in-time health report for one venue.
type VenueHealth struct {
	Venue         Venue        `json:"venue"`
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"` // "stale_data", "high_latency", ...
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	LatencyMsP95  float64      `json:"latency_ms_p95,omitempty"`
	Mode          Mode         `json:"mode"`
}

// FeeSchedule carries a venue's fee rates as decimal fractions (0.02 = 2%).
type FeeSchedule struct {
	MakerFee decimal.Decimal  `json:"maker_fee"`
	TakerFee decimal.Decimal  `json:"taker_fee"`
	GasUSD   *decimal.Decimal `json:"gas_usd,omitempty"` // on-chain venues only
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderParams is a venue-independent order submission request.
type OrderParams struct {
	ContractID string          `json:"contract_id"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"` // whole contracts, > 0
	Price      decimal.Decimal `json:"price"`    // limit price in (0, 1]
	Type       OrderType       `json:"type"`
}

// OrderFillStatus is the venue-reported outcome of a submission.
type OrderFillStatus string

const (
	OrderFilled        OrderFillStatus = "filled"
	OrderPartial       OrderFillStatus = "partial" // some quantity filled at one price
	OrderPending       OrderFillStatus = "pending" // unresolved at the venue
	OrderRejectedByAPI OrderFillStatus = "rejected"
)

// OrderResult is what a connector returns for a submitted order.
type OrderResult struct {
	OrderID        string          `json:"order_id"`
	Venue          Venue           `json:"venue"`
	Status         OrderFillStatus `json:"status"`
	FilledQuantity int64           `json:"filled_quantity"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Filled reports whether the order got any executable fill.
// Partial fills count as success; the unfilled remainder is not re-worked.
func (r *OrderResult) Filled() bool {
	return r.Status == OrderFilled || r.Status == OrderPartial
}

// CancelResult is what a connector returns for a cancel request.
type CancelResult struct {
	OrderID   string    `json:"order_id"`
	Cancelled bool      `json:"cancelled"`
	Timestamp time.Time `json:"timestamp"`
}

// PersistedOrderStatus is the repository-level order state.
type PersistedOrderStatus string

const (
	OrderStatusFilled    PersistedOrderStatus = "FILLED"
	OrderStatusPartial   PersistedOrderStatus = "PARTIAL"
	OrderStatusPending   PersistedOrderStatus = "PENDING"
	OrderStatusCancelled PersistedOrderStatus = "CANCELLED"
	OrderStatusRejected  PersistedOrderStatus = "REJECTED"
)

// PersistedOrder is the durable record of a submitted order.
type PersistedOrder struct {
	OrderID    string               `json:"order_id" db:"order_id"`
	Venue      Venue                `json:"venue" db:"venue"`
	ContractID string               `json:"contract_id" db:"contract_id"`
	PairID     string               `json:"pair_id" db:"pair_id"`
	Side       Side                 `json:"side" db:"side"`
	Price      decimal.Decimal      `json:"price" db:"price"`
	Size       int64                `json:"size" db:"size"`
	Status     PersistedOrderStatus `json:"status" db:"status"`
	FillPrice  *decimal.Decimal     `json:"fill_price,omitempty" db:"fill_price"`
	FillSize   *int64               `json:"fill_size,omitempty" db:"fill_size"`
	IsPaper    bool                 `json:"is_paper" db:"is_paper"`
	CreatedAt  time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at" db:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Pairs & opportunities
// ————————————————————————————————————————————————————————————————————————

// Pair links two logically equivalent contracts on different venues.
type Pair struct {
	ID             string           `json:"id" db:"id"`
	ContractIDs    map[Venue]string `json:"contract_ids"`
	PrimaryLeg     Venue            `json:"primary_leg" db:"primary_leg"` // first leg to submit
	ResolutionDate *time.Time       `json:"resolution_date,omitempty" db:"resolution_date"`
	Description    string           `json:"description,omitempty" db:"description"`
}

// RankedOpportunity is a priced dislocation produced by the upstream detector,
// ranked by net edge. BuyVenue/SellVenue fix which side each venue trades.
type RankedOpportunity struct {
	ID                string          `json:"id"`
	PairID            string          `json:"pair_id"`
	PrimaryVenue      Venue           `json:"primary_venue"`
	SecondaryVenue    Venue           `json:"secondary_venue"`
	BuyVenue          Venue           `json:"buy_venue"`
	SellVenue         Venue           `json:"sell_venue"`
	TargetBuyPrice    decimal.Decimal `json:"target_buy_price"`
	TargetSellPrice   decimal.Decimal `json:"target_sell_price"`
	NetEdge           decimal.Decimal `json:"net_edge"` // per-contract edge after fees
	CapitalRequestUSD decimal.Decimal `json:"capital_request_usd"`
	CorrelationID     string          `json:"correlation_id"`
	DetectedAt        time.Time       `json:"detected_at"`
}

// TargetPrice returns the limit price the given venue should trade at.
func (o *RankedOpportunity) TargetPrice(v Venue) decimal.Decimal {
	if v == o.BuyVenue {
		return o.TargetBuyPrice
	}
	return o.TargetSellPrice
}

// SideFor returns the side the given venue trades in this opportunity.
func (o *RankedOpportunity) SideFor(v Venue) Side {
	if v == o.BuyVenue {
		return BUY
	}
	return SELL
}

// ————————————————————————————————————————————————————————————————————————
// Budget reservations
// ————————————————————————————————————————————————————————————————————————

// BudgetReservation is capital set aside for one opportunity. Lifecycle:
// created by ReserveBudget, then exactly one of CommitReservation or
// ReleaseReservation; terminal thereafter.
type BudgetReservation struct {
	ID                 string          `json:"id"`
	OpportunityID      string          `json:"opportunity_id"`
	ReservedCapitalUSD decimal.Decimal `json:"reserved_capital_usd"`
	CreatedAt          time.Time       `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// PositionStatus is the lifecycle state of an arbitrage position.
type PositionStatus string

const (
	PositionOpen             PositionStatus = "OPEN"
	PositionSingleLegExposed PositionStatus = "SINGLE_LEG_EXPOSED"
	PositionExitPartial      PositionStatus = "EXIT_PARTIAL"
	PositionClosed           PositionStatus = "CLOSED"
	PositionReconRequired    PositionStatus = "RECONCILIATION_REQUIRED"
)

// Active reports whether the status still carries venue exposure.
func (s PositionStatus) Active() bool {
	switch s {
	case PositionOpen, PositionSingleLegExposed, PositionExitPartial, PositionReconRequired:
		return true
	}
	return false
}

// Position is a two-leg arbitrage position.
//
// Invariants:
//   - OPEN requires both entry order refs non-nil.
//   - SINGLE_LEG_EXPOSED requires exactly one entry order ref non-nil.
//   - EXIT_PARTIAL requires both entry refs non-nil and exactly one exit ref.
//   - CLOSED is terminal.
type Position struct {
	ID               string                    `json:"id" db:"id"`
	PairID           string                    `json:"pair_id" db:"pair_id"`
	PrimaryOrderID   *string                   `json:"primary_order_id,omitempty" db:"primary_order_id"`
	SecondaryOrderID *string                   `json:"secondary_order_id,omitempty" db:"secondary_order_id"`
	ExitOrderIDs     map[Venue]string          `json:"exit_order_ids,omitempty"`
	Sides            map[Venue]Side            `json:"sides"`
	EntryPrices      map[Venue]decimal.Decimal `json:"entry_prices"`
	Sizes            map[Venue]int64           `json:"sizes"`
	ExpectedEdge     decimal.Decimal           `json:"expected_edge" db:"expected_edge"`
	Status           PositionStatus            `json:"status" db:"status"`
	IsPaper          bool                      `json:"is_paper" db:"is_paper"`
	CorrelationID    string                    `json:"correlation_id" db:"correlation_id"`
	CreatedAt        time.Time                 `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at" db:"updated_at"`
}

// FilledVenue returns the venue of the single filled entry leg for a
// SINGLE_LEG_EXPOSED position, resolving it from the non-nil order ref.
func (p *Position) FilledVenue(primaryVenue Venue) (Venue, bool) {
	switch {
	case p.PrimaryOrderID != nil && p.SecondaryOrderID == nil:
		return primaryVenue, true
	case p.PrimaryOrderID == nil && p.SecondaryOrderID != nil:
		return primaryVenue.Other(), true
	}
	return "", false
}

// PositionWithPair is a position joined with its pair row.
type PositionWithPair struct {
	Position
	Pair Pair `json:"pair"`
}

// ————————————————————————————————————————————————————————————————————————
// Single-leg P&L scenarios
// ————————————————————————————————————————————————————————————————————————

// MarketPrices is a best-effort snapshot of top-of-book on both venues,
// fetched with a short timeout when building exposure context. Nil fields
// mean the price was unavailable.
type MarketPrices struct {
	PrimaryBid   *decimal.Decimal `json:"primary_bid,omitempty"`
	PrimaryAsk   *decimal.Decimal `json:"primary_ask,omitempty"`
	SecondaryBid *decimal.Decimal `json:"secondary_bid,omitempty"`
	SecondaryAsk *decimal.Decimal `json:"secondary_ask,omitempty"`
}

// AllUnavailable reports whether no price could be fetched on either venue.
func (m MarketPrices) AllUnavailable() bool {
	return m.PrimaryBid == nil && m.PrimaryAsk == nil &&
		m.SecondaryBid == nil && m.SecondaryAsk == nil
}

// PnlScenarios are the operator-facing "what now" computations attached to
// every single-leg exposure event. String fields hold formatted amounts or
// the literal "UNAVAILABLE" when prices could not be fetched.
type PnlScenarios struct {
	CloseNow           string   `json:"close_now"`
	RetryAtCurrent     string   `json:"retry_at_current"`
	HoldRiskAssessment string   `json:"hold_risk_assessment"`
	RecommendedActions []string `json:"recommended_actions"`
}

// LegDetail describes one leg of an execution for event payloads.
type LegDetail struct {
	Venue          Venue            `json:"venue"`
	ContractID     string           `json:"contract_id"`
	Side           Side             `json:"side"`
	OrderID        string           `json:"order_id,omitempty"`
	AttemptedPrice decimal.Decimal  `json:"attempted_price"`
	AttemptedSize  int64            `json:"attempted_size"`
	FillPrice      *decimal.Decimal `json:"fill_price,omitempty"`
	FillSize       int64            `json:"fill_size,omitempty"`
	IsPaper        bool             `json:"is_paper"`
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// DiscrepancyKind classifies a local-vs-venue mismatch.
type DiscrepancyKind string

const (
	DiscrepancyOrderStatusMismatch DiscrepancyKind = "order_status_mismatch"
	DiscrepancyOrderNotFound       DiscrepancyKind = "order_not_found"
	DiscrepancyPendingFilled       DiscrepancyKind = "pending_filled"
	DiscrepancyPlatformUnavailable DiscrepancyKind = "platform_unavailable"
)

// ReconciliationDiscrepancy is one recorded mismatch between local state and
// venue truth, with a recommended operator action.
type ReconciliationDiscrepancy struct {
	PositionID        string          `json:"position_id"`
	PairID            string          `json:"pair_id"`
	OrderID           string          `json:"order_id,omitempty"`
	Venue             Venue           `json:"venue,omitempty"`
	Kind              DiscrepancyKind `json:"kind"`
	LocalState        string          `json:"local_state"`
	VenueState        string          `json:"venue_state"`
	RecommendedAction string          `json:"recommended_action"`
	DetectedAt        time.Time       `json:"detected_at"`
}

// ReconciliationReport summarizes one full reconciliation pass.
type ReconciliationReport struct {
	StartedAt             time.Time                   `json:"started_at"`
	PositionsChecked      int                         `json:"positions_checked"`
	OrdersVerified        int                         `json:"orders_verified"`
	PendingOrdersResolved int                         `json:"pending_orders_resolved"`
	DiscrepanciesFound    int                         `json:"discrepancies_found"`
	DurationMs            int64                       `json:"duration_ms"`
	Summary               string                      `json:"summary"`
	Discrepancies         []ReconciliationDiscrepancy `json:"discrepancies,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution errors
// ————————————————————————————————————————————————————————————————————————

// ErrorSeverity grades an ExecutionError for logging and HTTP mapping.
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// Execution error codes. Stable integers carried on events and mapped to
// HTTP statuses by the operator API.
const (
	CodeInsufficientLiquidity = 3001
	CodeOrderRejected         = 3002
	CodeOrderTimeout          = 3003
	CodeSingleLegExposure     = 3004
	CodeInvalidPositionState  = 3005
	CodeRetryFailed           = 3006
	CodeCloseFailed           = 3007
	CodePartialExitFailure    = 3008
	CodeGenericExecution      = 3099
	CodeUnexpected            = 4000
)

// ExecutionError is the domain error value for the execution core. Errors are
// values, not exceptions: they travel inside ExecutionResult and events.
type ExecutionError struct {
	Code     int            `json:"code"`
	Message  string         `json:"message"`
	Severity ErrorSeverity  `json:"severity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error %d (%s): %s", e.Code, e.Severity, e.Message)
}

// NewExecutionError builds an ExecutionError with empty metadata.
func NewExecutionError(code int, severity ErrorSeverity, format string, args ...any) *ExecutionError {
	return &ExecutionError{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
	}
}

// WithMeta attaches a metadata entry and returns the error for chaining.
func (e *ExecutionError) WithMeta(key string, value any) *ExecutionError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// ExecutionResult is the discriminated outcome of ExecutionCore.Execute.
// Success and PartialFill are mutually exclusive; PartialFill marks a
// single-leg exposure (one leg filled, the other did not).
type ExecutionResult struct {
	Success        bool            `json:"success"`
	PartialFill    bool            `json:"partial_fill"`
	PositionID     string          `json:"position_id,omitempty"`
	PrimaryOrder   *OrderResult    `json:"primary_order,omitempty"`
	SecondaryOrder *OrderResult    `json:"secondary_order,omitempty"`
	Err            *ExecutionError `json:"error,omitempty"`
}
