// resolution.go implements the operator paths for exposed positions:
// retrying the failed leg or closing the filled one.
package execution

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/events"
	"crossarb/internal/risk"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// Resolution serves operator-invoked recovery on SINGLE_LEG_EXPOSED and
// EXIT_PARTIAL positions. Any other status fails with INVALID_POSITION_STATE.
type Resolution struct {
	connectors map[types.Venue]connector.PlatformConnector
	positions  store.PositionRepository
	orders     store.OrderRepository
	risk       *risk.Manager
	core       *Core
	bus        *events.Bus
	cfg        config.ExecutionConfig
	logger     *slog.Logger
}

// NewResolution creates the resolution service. It shares the core for price
// snapshots and fee lookups.
func NewResolution(core *Core, repos *store.Repositories, riskMgr *risk.Manager, bus *events.Bus, cfg config.ExecutionConfig, logger *slog.Logger) *Resolution {
	return &Resolution{
		connectors: core.connectors,
		positions:  repos.Positions,
		orders:     repos.Orders,
		risk:       riskMgr,
		core:       core,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With("component", "single_leg_resolution"),
	}
}

// RetryLegResult is the outcome of a retry attempt.
type RetryLegResult struct {
	Success      bool                `json:"success"`
	PositionID   string              `json:"position_id"`
	NewStatus    types.PositionStatus `json:"new_status,omitempty"`
	Order        *types.OrderResult  `json:"order,omitempty"`
	NewEdge      *decimal.Decimal    `json:"new_edge,omitempty"`
	PnlScenarios *types.PnlScenarios `json:"pnl_scenarios,omitempty"`
}

// CloseLegResult is the outcome of a close attempt.
type CloseLegResult struct {
	Success     bool               `json:"success"`
	PositionID  string             `json:"position_id"`
	Order       *types.OrderResult `json:"order,omitempty"`
	RealizedPnl *decimal.Decimal   `json:"realized_pnl,omitempty"`
}

// loadResolvable fetches the position and enforces the state pre-condition.
func (r *Resolution) loadResolvable(ctx context.Context, positionID string) (*types.PositionWithPair, *types.ExecutionError) {
	pos, err := r.positions.FindByIDWithPair(ctx, positionID)
	if err != nil {
		return nil, types.NewExecutionError(types.CodeInvalidPositionState,
			types.SeverityWarning, "position %s not found: %v", positionID, err)
	}
	if pos.Status != types.PositionSingleLegExposed && pos.Status != types.PositionExitPartial {
		return nil, types.NewExecutionError(types.CodeInvalidPositionState,
			types.SeverityWarning, "position %s is %s, not resolvable", positionID, pos.Status)
	}
	return pos, nil
}

// exposedLegs resolves which leg is filled and which failed.
//
// SINGLE_LEG_EXPOSED: the filled entry leg vs the missing entry leg.
// EXIT_PARTIAL: the leg whose exit already filled vs the leg still exposed.
func exposedLegs(pos *types.PositionWithPair) (filled, failed types.Venue, ok bool) {
	if pos.Status == types.PositionSingleLegExposed {
		filled, ok = pos.FilledVenue(pos.Pair.PrimaryLeg)
		return filled, filled.Other(), ok
	}

	// EXIT_PARTIAL: exactly one exit ref exists.
	for venue := range pos.ExitOrderIDs {
		return venue, venue.Other(), true
	}
	return "", "", false
}

// RetryLeg re-attempts the failed leg at retryPrice for the recorded size.
// On non-fill the position is untouched and fresh P&L scenarios are returned.
func (r *Resolution) RetryLeg(ctx context.Context, positionID string, retryPrice decimal.Decimal) (*RetryLegResult, error) {
	pos, execErr := r.loadResolvable(ctx, positionID)
	if execErr != nil {
		return nil, execErr
	}

	filledVenue, failedVenue, ok := exposedLegs(pos)
	if !ok {
		return nil, types.NewExecutionError(types.CodeInvalidPositionState,
			types.SeverityWarning, "position %s has no identifiable failed leg", positionID)
	}

	failedSide := pos.Sides[failedVenue]
	if pos.Status == types.PositionExitPartial {
		// Retrying an exit leg unwinds the remaining entry exposure.
		failedSide = pos.Sides[failedVenue].Opposite()
	}
	size := pos.Sizes[failedVenue]
	contractID := pos.Pair.ContractIDs[failedVenue]

	submitCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	result, err := r.connectors[failedVenue].SubmitOrder(submitCtx, types.OrderParams{
		ContractID: contractID,
		Side:       failedSide,
		Quantity:   size,
		Price:      retryPrice,
		Type:       types.OrderTypeLimit,
	})
	cancel()
	if err != nil {
		return nil, types.NewExecutionError(types.CodeRetryFailed, types.SeverityError,
			"retry submit on %s: %v", failedVenue, err)
	}

	if !result.Filled() {
		scenarios := r.freshScenarios(ctx, pos, filledVenue, failedVenue, failedSide)
		return &RetryLegResult{
			PositionID:   positionID,
			PnlScenarios: &scenarios,
		}, nil
	}

	r.persistLegOrder(ctx, pos, failedVenue, contractID, failedSide, retryPrice, size, result)

	entryFill := pos.EntryPrices[filledVenue]
	newEdge := entryFill.Sub(result.FilledPrice).Abs()
	newStatus := types.PositionOpen
	if pos.Status == types.PositionExitPartial {
		newStatus = types.PositionClosed
	}

	updated := pos.Position
	updated.Status = newStatus
	if pos.Status == types.PositionSingleLegExposed {
		if updated.PrimaryOrderID == nil {
			updated.PrimaryOrderID = &result.OrderID
		} else {
			updated.SecondaryOrderID = &result.OrderID
		}
		updated.EntryPrices[failedVenue] = result.FilledPrice
		updated.Sizes[failedVenue] = result.FilledQuantity
	} else {
		if updated.ExitOrderIDs == nil {
			updated.ExitOrderIDs = make(map[types.Venue]string)
		}
		updated.ExitOrderIDs[failedVenue] = result.OrderID
	}
	if err := r.positions.Update(ctx, &updated); err != nil {
		r.logger.Error("persist retried position", "position_id", positionID, "error", err)
	}
	if newStatus == types.PositionClosed {
		r.risk.ClosePosition(positionID, decimal.Zero)
	}

	r.publishFill(pos, result, failedSide)
	retryCopy := retryPrice
	edgeCopy := newEdge
	r.bus.Publish(events.SingleLegResolvedName, events.SingleLegResolved{
		Header:       events.NewHeader(pos.CorrelationID),
		PositionID:   positionID,
		Type:         "retried",
		OriginalEdge: pos.ExpectedEdge,
		NewEdge:      &edgeCopy,
		RetryPrice:   &retryCopy,
	})

	r.logger.Info("failed leg retried",
		"position_id", positionID,
		"venue", failedVenue,
		"retry_price", retryPrice.String(),
		"new_edge", newEdge.String(),
		"new_status", newStatus)

	return &RetryLegResult{
		Success:    true,
		PositionID: positionID,
		NewStatus:  newStatus,
		Order:      result,
		NewEdge:    &edgeCopy,
	}, nil
}

// CloseLeg flattens the filled leg at the opposing best price.
func (r *Resolution) CloseLeg(ctx context.Context, positionID, rationale string) (*CloseLegResult, error) {
	pos, execErr := r.loadResolvable(ctx, positionID)
	if execErr != nil {
		return nil, execErr
	}

	filledVenue, _, ok := exposedLegs(pos)
	if !ok {
		return nil, types.NewExecutionError(types.CodeInvalidPositionState,
			types.SeverityWarning, "position %s has no identifiable filled leg", positionID)
	}
	if pos.Status == types.PositionExitPartial {
		// The leg still exposed is the one whose exit has not filled.
		filledVenue = filledVenue.Other()
	}

	entrySide := pos.Sides[filledVenue]
	entryFill := pos.EntryPrices[filledVenue]
	size := pos.Sizes[filledVenue]
	contractID := pos.Pair.ContractIDs[filledVenue]

	bookCtx, cancel := context.WithTimeout(ctx, r.cfg.BookFetchTimeout)
	book, err := r.connectors[filledVenue].GetOrderBook(bookCtx, contractID)
	cancel()
	if err != nil {
		return nil, types.NewExecutionError(types.CodeCloseFailed, types.SeverityWarning,
			"book fetch on %s: %v", filledVenue, err)
	}

	// Opposing best: sell into the bid for a bought leg, buy the ask back
	// for a sold one.
	var closePrice decimal.Decimal
	if entrySide == types.BUY {
		best, ok := book.BestBid()
		if !ok {
			return nil, types.NewExecutionError(types.CodeCloseFailed, types.SeverityWarning,
				"no bids on %s to close into", filledVenue)
		}
		closePrice = best.Price
	} else {
		best, ok := book.BestAsk()
		if !ok {
			return nil, types.NewExecutionError(types.CodeCloseFailed, types.SeverityWarning,
				"no asks on %s to close into", filledVenue)
		}
		closePrice = best.Price
	}

	closeSide := entrySide.Opposite()
	submitCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	result, err := r.connectors[filledVenue].SubmitOrder(submitCtx, types.OrderParams{
		ContractID: contractID,
		Side:       closeSide,
		Quantity:   size,
		Price:      closePrice,
		Type:       types.OrderTypeLimit,
	})
	cancel()
	if err != nil {
		return nil, types.NewExecutionError(types.CodeCloseFailed, types.SeverityError,
			"close submit on %s: %v", filledVenue, err)
	}
	if !result.Filled() {
		return nil, types.NewExecutionError(types.CodeCloseFailed, types.SeverityError,
			"close order %s on %s did not fill", result.OrderID, filledVenue)
	}

	// realizedPnl = directional spread on the leg minus the close-side fee.
	closeSize := decimal.NewFromInt(result.FilledQuantity)
	var gross decimal.Decimal
	if entrySide == types.BUY {
		gross = result.FilledPrice.Sub(entryFill).Mul(closeSize)
	} else {
		gross = entryFill.Sub(result.FilledPrice).Mul(closeSize)
	}
	fee := result.FilledPrice.Mul(closeSize).Mul(r.core.takerFee(ctx, filledVenue))
	realizedPnl := gross.Sub(fee)

	r.persistLegOrder(ctx, pos, filledVenue, contractID, closeSide, closePrice, size, result)

	updated := pos.Position
	updated.Status = types.PositionClosed
	if updated.ExitOrderIDs == nil {
		updated.ExitOrderIDs = make(map[types.Venue]string)
	}
	updated.ExitOrderIDs[filledVenue] = result.OrderID
	if err := r.positions.Update(ctx, &updated); err != nil {
		r.logger.Error("persist closed position", "position_id", positionID, "error", err)
	}

	r.risk.ClosePosition(positionID, realizedPnl)

	r.publishFill(pos, result, closeSide)
	pnlCopy := realizedPnl
	r.bus.Publish(events.SingleLegResolvedName, events.SingleLegResolved{
		Header:       events.NewHeader(pos.CorrelationID),
		PositionID:   positionID,
		Type:         "closed",
		OriginalEdge: pos.ExpectedEdge,
		RealizedPnl:  &pnlCopy,
	})

	r.logger.Info("exposed leg closed",
		"position_id", positionID,
		"venue", filledVenue,
		"close_price", closePrice.String(),
		"realized_pnl", realizedPnl.String(),
		"rationale", rationale)

	return &CloseLegResult{
		Success:     true,
		PositionID:  positionID,
		Order:       result,
		RealizedPnl: &pnlCopy,
	}, nil
}

func (r *Resolution) persistLegOrder(ctx context.Context, pos *types.PositionWithPair, venue types.Venue, contractID string, side types.Side, price decimal.Decimal, size int64, result *types.OrderResult) {
	fp := result.FilledPrice
	fs := result.FilledQuantity
	order := &types.PersistedOrder{
		OrderID:    result.OrderID,
		Venue:      venue,
		ContractID: contractID,
		PairID:     pos.PairID,
		Side:       side,
		Price:      price,
		Size:       size,
		Status:     persistedStatus(result.Status),
		FillPrice:  &fp,
		FillSize:   &fs,
		IsPaper:    r.core.isPaper(venue),
	}
	if err := r.orders.Create(ctx, order); err != nil {
		r.logger.Error("persist resolution order", "order_id", result.OrderID, "error", err)
	}
}

func (r *Resolution) publishFill(pos *types.PositionWithPair, result *types.OrderResult, side types.Side) {
	r.bus.Publish(events.OrderFilledName, events.OrderFilled{
		Header:     events.NewHeader(pos.CorrelationID),
		Order:      *result,
		PairID:     pos.PairID,
		PositionID: pos.ID,
		Side:       side,
		IsPaper:    r.core.isPaper(result.Venue),
	})
}

// freshScenarios recomputes the P&L block after a failed retry.
func (r *Resolution) freshScenarios(ctx context.Context, pos *types.PositionWithPair, filledVenue, failedVenue types.Venue, failedSide types.Side) types.PnlScenarios {
	primary := legPlan{venue: filledVenue, contractID: pos.Pair.ContractIDs[filledVenue]}
	secondary := legPlan{venue: failedVenue, contractID: pos.Pair.ContractIDs[failedVenue]}
	prices := r.core.FetchMarketPrices(ctx, primary, secondary)

	return ComputePnlScenarios(PnlInputs{
		PositionID:   pos.ID,
		FilledVenue:  filledVenue,
		FilledSide:   pos.Sides[filledVenue],
		FailedSide:   failedSide,
		FillPrice:    pos.EntryPrices[filledVenue],
		Size:         pos.Sizes[filledVenue],
		PrimaryFee:   r.core.takerFee(ctx, filledVenue),
		SecondaryFee: r.core.takerFee(ctx, failedVenue),
		Prices:       prices,
	})
}
