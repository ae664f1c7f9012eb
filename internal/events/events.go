// Package events provides the in-process event bus and the typed payloads
// carried on it.
//
// Event names are a closed set of dot-delimited strings. Subscribers register
// handlers per name; delivery is synchronous within the publisher's goroutine
// and exactly-once per subscriber. A panicking handler is recovered and logged
// so one bad subscriber cannot poison the publisher.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Event names. These are the stable wire-level identifiers; do not rename.
const (
	PlatformHealthUpdated      = "platform.health.updated"
	PlatformHealthDegraded     = "platform.health.degraded"
	PlatformHealthRecovered    = "platform.health.recovered"
	PlatformHealthDisconnected = "platform.health.disconnected"

	DegradationActivatedName   = "degradation.activated"
	DegradationDeactivatedName = "degradation.deactivated"

	OrderFilledName             = "order.filled"
	ExecutionFailedName         = "execution.failed"
	SingleLegExposureName       = "execution.single_leg.exposure"
	ExposureReminderName        = "execution.single_leg.exposure_reminder"
	SingleLegResolvedName       = "execution.single_leg.resolved"
	ExitTriggeredName           = "execution.exit.triggered"
	LimitApproachedName         = "limit.approached"
	LimitBreachedName           = "limit.breached"
	ReconDiscrepancyName        = "reconciliation.discrepancy"
	ReconCompleteName           = "reconciliation.complete"
)

// Header is embedded in every event struct. CorrelationID threads one
// opportunity's lifecycle through orders, events, and logs; it is set once at
// the outer entry point (scheduler tick or operator call).
type Header struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewHeader stamps a header with the current time.
func NewHeader(correlationID string) Header {
	return Header{Timestamp: time.Now().UTC(), CorrelationID: correlationID}
}

// ————————————————————————————————————————————————————————————————————————
// Health & degradation events
// ————————————————————————————————————————————————————————————————————————

// HealthUpdated is emitted on every health tick for every venue.
type HealthUpdated struct {
	Header
	Health types.VenueHealth `json:"health"`
}

// HealthTransition is emitted exactly once on a confirmed status change
// (degraded, recovered, or disconnected).
type HealthTransition struct {
	Header
	Venue      types.Venue        `json:"venue"`
	From       types.HealthStatus `json:"from"`
	To         types.HealthStatus `json:"to"`
	Reason     string             `json:"reason,omitempty"`
	DowntimeMs int64              `json:"downtime_ms,omitempty"` // recovered only
}

// DegradationActivated marks a venue entering the degradation protocol.
type DegradationActivated struct {
	Header
	Venue      types.Venue `json:"venue"`
	Reason     string      `json:"reason"`
	LastDataAt *time.Time  `json:"last_data_at,omitempty"`
}

// DegradationDeactivated marks a venue leaving the degradation protocol.
type DegradationDeactivated struct {
	Header
	Venue            types.Venue `json:"venue"`
	OutageDurationMs int64       `json:"outage_duration_ms"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution events
// ————————————————————————————————————————————————————————————————————————

// OrderFilled is emitted for every leg that fills (entry, retry, or exit).
type OrderFilled struct {
	Header
	Order      types.OrderResult `json:"order"`
	PairID     string            `json:"pair_id"`
	PositionID string            `json:"position_id,omitempty"`
	Side       types.Side        `json:"side"`
	IsPaper    bool              `json:"is_paper"`
}

// ExecutionFailed is emitted when an opportunity is abandoned before any leg
// filled (depth check failure, rejected or timed-out primary).
type ExecutionFailed struct {
	Header
	OpportunityID string                `json:"opportunity_id"`
	PairID        string                `json:"pair_id"`
	Err           types.ExecutionError  `json:"error"`
}

// SingleLegExposure carries everything an operator needs to resolve a
// one-leg-filled position. The same payload shape is re-emitted by the alert
// scheduler as an exposure reminder.
type SingleLegExposure struct {
	Header
	PositionID    string              `json:"position_id"`
	PairID        string              `json:"pair_id"`
	FilledLeg     types.LegDetail     `json:"filled_leg"`
	FailedLeg     types.LegDetail     `json:"failed_leg"`
	CurrentPrices types.MarketPrices  `json:"current_prices"`
	PnlScenarios  types.PnlScenarios  `json:"pnl_scenarios"`
	MixedMode     bool                `json:"mixed_mode"`
	Err           types.ExecutionError `json:"error"`
}

// SingleLegResolved is emitted when an operator retry or close completes.
type SingleLegResolved struct {
	Header
	PositionID   string           `json:"position_id"`
	Type         string           `json:"type"` // "retried" or "closed"
	OriginalEdge decimal.Decimal  `json:"original_edge"`
	NewEdge      *decimal.Decimal `json:"new_edge,omitempty"`
	RetryPrice   *decimal.Decimal `json:"retry_price,omitempty"`
	RealizedPnl  *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// ExitTriggered is emitted when the exit monitor closes both legs.
type ExitTriggered struct {
	Header
	PositionID  string                      `json:"position_id"`
	ExitType    string                      `json:"exit_type"` // take_profit, stop_loss, time_based
	InitialEdge decimal.Decimal             `json:"initial_edge"`
	FinalEdge   decimal.Decimal             `json:"final_edge"`
	RealizedPnl decimal.Decimal             `json:"realized_pnl"`
	ExitOrders  map[types.Venue]string      `json:"exit_orders"`
}

// ————————————————————————————————————————————————————————————————————————
// Exposure-limit events
// ————————————————————————————————————————————————————————————————————————

// LimitApproached warns that a soft exposure threshold was crossed.
type LimitApproached struct {
	Header
	Type      string `json:"type"` // "monthly_exposure"
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
}

// LimitBreached marks a hard exposure limit breach.
type LimitBreached struct {
	Header
	Type             string `json:"type"` // "weekly_consecutive_exposure"
	ConsecutiveWeeks int    `json:"consecutive_weeks"`
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation events
// ————————————————————————————————————————————————————————————————————————

// ReconDiscrepancy is emitted per recorded discrepancy.
type ReconDiscrepancy struct {
	Header
	Discrepancy types.ReconciliationDiscrepancy `json:"discrepancy"`
}

// ReconComplete is emitted after a full reconciliation pass.
type ReconComplete struct {
	Header
	Report types.ReconciliationReport `json:"report"`
}
