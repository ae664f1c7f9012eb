// Package reconcile compares local position and order state against venue
// truth and flags positions whose records have drifted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/events"
	"crossarb/internal/metrics"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// ErrDebounced is returned when a run is requested within the debounce
// window of the previous run.
var ErrDebounced = errors.New("reconciliation ran recently, try again later")

// Engine runs reconciliation passes on startup and on operator request,
// at most once per debounce window.
type Engine struct {
	connectors map[types.Venue]connector.PlatformConnector
	positions  store.PositionRepository
	orders     store.OrderRepository
	bus        *events.Bus
	cfg        config.ReconciliationConfig
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	lastRun    time.Time
	lastReport *types.ReconciliationReport
}

// Status is the engine's operator-facing state.
type Status struct {
	LastRunAt     *time.Time                  `json:"last_run_at,omitempty"`
	NextAllowedAt *time.Time                  `json:"next_allowed_at,omitempty"`
	LastReport    *types.ReconciliationReport `json:"last_report,omitempty"`
}

// NewEngine creates the reconciliation engine.
func NewEngine(connectors map[types.Venue]connector.PlatformConnector, repos *store.Repositories, bus *events.Bus, cfg config.ReconciliationConfig, logger *slog.Logger) *Engine {
	return &Engine{
		connectors: connectors,
		positions:  repos.Positions,
		orders:     repos.Orders,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With("component", "reconciliation"),
		now:        time.Now,
	}
}

// Run executes one full pass. Returns ErrDebounced inside the debounce
// window; the operator API maps that to 429.
func (e *Engine) Run(ctx context.Context) (*types.ReconciliationReport, error) {
	e.mu.Lock()
	now := e.now()
	if !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.cfg.Debounce {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: next run allowed at %s", ErrDebounced,
			e.lastRun.Add(e.cfg.Debounce).Format(time.RFC3339))
	}
	e.lastRun = now
	e.mu.Unlock()

	report, err := e.pass(ctx, now)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	e.bus.Publish(events.ReconCompleteName, events.ReconComplete{
		Header: events.NewHeader(""),
		Report: *report,
	})
	return report, nil
}

func (e *Engine) pass(ctx context.Context, startedAt time.Time) (*types.ReconciliationReport, error) {
	active, err := e.positions.FindByStatusWithPair(ctx,
		types.PositionOpen,
		types.PositionSingleLegExposed,
		types.PositionExitPartial,
		types.PositionReconRequired)
	if err != nil {
		return nil, fmt.Errorf("load active positions: %w", err)
	}

	report := &types.ReconciliationReport{StartedAt: startedAt}
	for i := range active {
		pos := &active[i]
		report.PositionsChecked++

		discrepancies := e.checkPosition(ctx, pos, report)
		if len(discrepancies) == 0 {
			continue
		}

		if pos.Status != types.PositionReconRequired {
			if err := e.positions.UpdateStatus(ctx, pos.ID, types.PositionReconRequired); err != nil {
				e.logger.Error("flag position for reconciliation",
					"position_id", pos.ID, "error", err)
			}
		}
		for _, disc := range discrepancies {
			report.DiscrepanciesFound++
			report.Discrepancies = append(report.Discrepancies, disc)
			metrics.ReconDiscrepancies.WithLabelValues(string(disc.Kind)).Inc()

			e.logger.Warn("reconciliation discrepancy",
				"position_id", disc.PositionID,
				"order_id", disc.OrderID,
				"kind", disc.Kind,
				"local_state", disc.LocalState,
				"venue_state", disc.VenueState)

			e.bus.Publish(events.ReconDiscrepancyName, events.ReconDiscrepancy{
				Header:      events.NewHeader(pos.CorrelationID),
				Discrepancy: disc,
			})
		}
	}

	report.DurationMs = time.Since(startedAt).Milliseconds()
	report.Summary = fmt.Sprintf("%d positions checked, %d orders verified, %d discrepancies, %d pending resolved",
		report.PositionsChecked, report.OrdersVerified,
		report.DiscrepanciesFound, report.PendingOrdersResolved)

	e.logger.Info("reconciliation pass complete",
		"positions_checked", report.PositionsChecked,
		"orders_verified", report.OrdersVerified,
		"discrepancies", report.DiscrepanciesFound,
		"duration_ms", report.DurationMs)
	return report, nil
}

// checkPosition verifies every order the position references.
func (e *Engine) checkPosition(ctx context.Context, pos *types.PositionWithPair, report *types.ReconciliationReport) []types.ReconciliationDiscrepancy {
	var out []types.ReconciliationDiscrepancy

	for _, orderID := range referencedOrders(&pos.Position) {
		local, err := e.orders.FindByID(ctx, orderID)
		if err != nil {
			// Order referenced but never persisted locally; nothing to compare.
			e.logger.Warn("referenced order missing locally",
				"position_id", pos.ID, "order_id", orderID)
			continue
		}
		report.OrdersVerified++

		if disc := e.verifyOrder(ctx, pos, local, report); disc != nil {
			out = append(out, *disc)
		}
	}
	return out
}

func (e *Engine) verifyOrder(ctx context.Context, pos *types.PositionWithPair, local *types.PersistedOrder, report *types.ReconciliationReport) *types.ReconciliationDiscrepancy {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	venueResult, err := e.connectors[local.Venue].GetOrderStatus(queryCtx, local.OrderID)
	cancel()

	disc := types.ReconciliationDiscrepancy{
		PositionID: pos.ID,
		PairID:     pos.PairID,
		OrderID:    local.OrderID,
		Venue:      local.Venue,
		LocalState: string(local.Status),
		DetectedAt: e.now(),
	}

	switch {
	case errors.Is(err, connector.ErrOrderNotFound):
		disc.Kind = types.DiscrepancyOrderNotFound
		disc.VenueState = "not_found"
		disc.RecommendedAction = "verify on the venue and resolve via POST /reconciliation/{id}/resolve"
		return &disc
	case err != nil:
		disc.Kind = types.DiscrepancyPlatformUnavailable
		disc.VenueState = "unavailable"
		disc.RecommendedAction = "retry reconciliation once the venue recovers"
		return &disc
	}

	venueStatus := persistedStatus(venueResult.Status)
	if venueStatus == local.Status {
		return nil
	}

	disc.VenueState = string(venueStatus)
	localPending := local.Status == types.OrderStatusPending || local.Status == types.OrderStatusPartial
	if localPending && venueResult.Filled() {
		// A pending order that filled is self-healing: adopt the venue fill.
		disc.Kind = types.DiscrepancyPendingFilled
		disc.RecommendedAction = "local order updated from venue fill; review position sizing"
		fp := venueResult.FilledPrice
		fs := venueResult.FilledQuantity
		if err := e.orders.UpdateStatus(ctx, local.OrderID, venueStatus, &fp, &fs); err != nil {
			e.logger.Error("adopt venue fill", "order_id", local.OrderID, "error", err)
		} else {
			report.PendingOrdersResolved++
		}
		return &disc
	}

	disc.Kind = types.DiscrepancyOrderStatusMismatch
	disc.RecommendedAction = "review the order on the venue and resolve via POST /reconciliation/{id}/resolve"
	return &disc
}

// ResolveDiscrepancy is the operator path out of RECONCILIATION_REQUIRED:
// action names the status the position should return to.
func (e *Engine) ResolveDiscrepancy(ctx context.Context, positionID, action, rationale string) error {
	pos, err := e.positions.FindByID(ctx, positionID)
	if err != nil {
		return types.NewExecutionError(types.CodeInvalidPositionState,
			types.SeverityWarning, "position %s not found: %v", positionID, err)
	}
	if pos.Status != types.PositionReconRequired {
		return types.NewExecutionError(types.CodeInvalidPositionState,
			types.SeverityWarning, "position %s is %s, not awaiting reconciliation",
			positionID, pos.Status)
	}

	target, ok := resolveActions[action]
	if !ok {
		return types.NewExecutionError(types.CodeGenericExecution,
			types.SeverityWarning, "unknown resolve action %q", action)
	}

	if err := e.positions.UpdateStatus(ctx, positionID, target); err != nil {
		return fmt.Errorf("apply resolution: %w", err)
	}

	e.logger.Info("reconciliation discrepancy resolved",
		"position_id", positionID,
		"action", action,
		"new_status", target,
		"rationale", rationale)
	return nil
}

// resolveActions maps operator actions to the status the position resumes in.
var resolveActions = map[string]types.PositionStatus{
	"reopen":       types.PositionOpen,
	"mark_exposed": types.PositionSingleLegExposed,
	"mark_partial": types.PositionExitPartial,
	"close":        types.PositionClosed,
}

// Status reports the engine's run history for GET /reconciliation/status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out Status
	if !e.lastRun.IsZero() {
		last := e.lastRun
		next := e.lastRun.Add(e.cfg.Debounce)
		out.LastRunAt = &last
		out.NextAllowedAt = &next
	}
	out.LastReport = e.lastReport
	return out
}

func referencedOrders(pos *types.Position) []string {
	var ids []string
	if pos.PrimaryOrderID != nil {
		ids = append(ids, *pos.PrimaryOrderID)
	}
	if pos.SecondaryOrderID != nil {
		ids = append(ids, *pos.SecondaryOrderID)
	}
	for _, id := range pos.ExitOrderIDs {
		ids = append(ids, id)
	}
	return ids
}

func persistedStatus(status types.OrderFillStatus) types.PersistedOrderStatus {
	switch status {
	case types.OrderFilled:
		return types.OrderStatusFilled
	case types.OrderPartial:
		return types.OrderStatusPartial
	case types.OrderPending:
		return types.OrderStatusPending
	default:
		return types.OrderStatusRejected
	}
}
