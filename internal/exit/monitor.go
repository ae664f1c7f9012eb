package exit

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/events"
	"crossarb/internal/metrics"
	"crossarb/internal/risk"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// Monitor scans OPEN positions on a fixed tick and executes threshold exits.
// Positions are processed sequentially within a tick; a position that cannot
// be evaluated (disconnected venue, missing data, empty book) is skipped
// without affecting the rest of the pass.
//
// A simple breaker guards against a dead market-data path: after
// BreakerThreshold consecutive ticks in which not a single position could be
// evaluated, the next tick is skipped entirely and the counter resets.
type Monitor struct {
	connectors map[types.Venue]connector.PlatformConnector
	positions  store.PositionRepository
	orders     store.OrderRepository
	risk       *risk.Manager
	eval       *Evaluator
	bus        *events.Bus
	cfg        config.ExitConfig
	execCfg    config.ExecutionConfig
	logger     *slog.Logger
	now        func() time.Time

	failedTicks int
	skipNext    bool
}

// NewMonitor creates the exit monitor.
func NewMonitor(connectors map[types.Venue]connector.PlatformConnector, repos *store.Repositories, riskMgr *risk.Manager, bus *events.Bus, cfg config.ExitConfig, execCfg config.ExecutionConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		connectors: connectors,
		positions:  repos.Positions,
		orders:     repos.Orders,
		risk:       riskMgr,
		eval:       NewEvaluator(cfg),
		bus:        bus,
		cfg:        cfg,
		execCfg:    execCfg,
		logger:     logger.With("component", "exit_monitor"),
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("exit monitor started", "interval", m.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("exit monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass. Exported so tests can drive ticks directly.
func (m *Monitor) Tick(ctx context.Context) {
	if m.skipNext {
		m.skipNext = false
		m.logger.Warn("exit tick skipped by breaker")
		return
	}

	open, err := m.positions.FindByStatusWithPair(ctx, types.PositionOpen)
	if err != nil {
		m.logger.Error("load open positions", "error", err)
		return
	}

	evaluated := 0
	for i := range open {
		if m.evaluateOne(ctx, &open[i]) {
			evaluated++
		}
	}

	// Only ticks that had positions but evaluated none count as failed.
	if len(open) > 0 && evaluated == 0 {
		m.failedTicks++
		if m.failedTicks >= m.cfg.BreakerThreshold {
			m.logger.Error("exit monitor breaker tripped",
				"failed_ticks", m.failedTicks)
			m.skipNext = true
			m.failedTicks = 0
		}
	} else {
		m.failedTicks = 0
	}
}

// evaluateOne returns true when the position was evaluated (whether or not
// an exit triggered).
func (m *Monitor) evaluateOne(ctx context.Context, pos *types.PositionWithPair) bool {
	for venue := range pos.Sides {
		if conn, ok := m.connectors[venue]; !ok || !conn.IsConnected() {
			m.logger.Debug("exit check skipped, venue disconnected",
				"position_id", pos.ID, "venue", venue)
			return false
		}
	}
	if pos.PrimaryOrderID == nil || pos.SecondaryOrderID == nil || len(pos.Sides) != 2 {
		m.logger.Warn("open position with incomplete fill data",
			"position_id", pos.ID)
		return false
	}

	primaryVenue := pos.Pair.PrimaryLeg
	secondaryVenue := primaryVenue.Other()

	closePrices := make(map[types.Venue]decimal.Decimal, 2)
	for _, venue := range []types.Venue{primaryVenue, secondaryVenue} {
		price, ok := m.closePrice(ctx, pos, venue)
		if !ok {
			return false
		}
		closePrices[venue] = price
	}

	legs := [2]LegState{
		m.legState(ctx, pos, primaryVenue, closePrices[primaryVenue]),
		m.legState(ctx, pos, secondaryVenue, closePrices[secondaryVenue]),
	}

	eval := m.eval.Evaluate(legs, pos.ExpectedEdge, pos.Pair.ResolutionDate, m.now())
	if !eval.Triggered {
		return true
	}

	m.logger.Info("exit threshold triggered",
		"position_id", pos.ID,
		"exit_type", eval.Type,
		"current_pnl", eval.CurrentPnl.String(),
		"captured_edge_pct", eval.CapturedEdgePct.String())

	m.executeExit(ctx, pos, eval, closePrices)
	return true
}

// closePrice is the price the venue's entry leg could be flattened at now:
// best bid for a bought leg, best ask for a sold one.
func (m *Monitor) closePrice(ctx context.Context, pos *types.PositionWithPair, venue types.Venue) (decimal.Decimal, bool) {
	bookCtx, cancel := context.WithTimeout(ctx, m.execCfg.BookFetchTimeout)
	defer cancel()

	book, err := m.connectors[venue].GetOrderBook(bookCtx, pos.Pair.ContractIDs[venue])
	if err != nil {
		m.logger.Debug("exit check skipped, book unavailable",
			"position_id", pos.ID, "venue", venue, "error", err)
		return decimal.Zero, false
	}

	if pos.Sides[venue] == types.BUY {
		if best, ok := book.BestBid(); ok {
			return best.Price, true
		}
	} else {
		if best, ok := book.BestAsk(); ok {
			return best.Price, true
		}
	}
	m.logger.Debug("exit check skipped, empty close side",
		"position_id", pos.ID, "venue", venue)
	return decimal.Zero, false
}

func (m *Monitor) legState(ctx context.Context, pos *types.PositionWithPair, venue types.Venue, closePrice decimal.Decimal) LegState {
	return LegState{
		Side:         pos.Sides[venue],
		EntryPrice:   pos.EntryPrices[venue],
		CurrentPrice: closePrice,
		Size:         pos.Sizes[venue],
		FeeDecimal:   m.takerFee(ctx, venue),
	}
}

func (m *Monitor) takerFee(ctx context.Context, venue types.Venue) decimal.Decimal {
	feeCtx, cancel := context.WithTimeout(ctx, m.execCfg.BookFetchTimeout)
	defer cancel()

	fees, err := m.connectors[venue].GetFeeSchedule(feeCtx)
	if err != nil {
		m.logger.Warn("fee schedule fetch failed", "venue", venue, "error", err)
		return decimal.Zero
	}
	return fees.TakerFee
}

// executeExit closes both legs with opposing limits at the current close
// prices, primary leg first.
func (m *Monitor) executeExit(ctx context.Context, pos *types.PositionWithPair, eval Evaluation, closePrices map[types.Venue]decimal.Decimal) {
	primaryVenue := pos.Pair.PrimaryLeg
	secondaryVenue := primaryVenue.Other()

	primaryResult, err := m.submitExit(ctx, pos, primaryVenue, closePrices[primaryVenue])
	if err != nil || !primaryResult.Filled() {
		// No state change: the position stays OPEN and is retried next tick.
		m.logger.Warn("exit primary leg did not fill, retrying next cycle",
			"position_id", pos.ID, "venue", primaryVenue, "error", err)
		return
	}
	m.persistExitOrder(ctx, pos, primaryVenue, closePrices[primaryVenue], primaryResult)

	secondaryResult, err := m.submitExit(ctx, pos, secondaryVenue, closePrices[secondaryVenue])
	if err != nil || !secondaryResult.Filled() {
		m.partialExit(ctx, pos, primaryVenue, secondaryVenue, primaryResult, closePrices, err)
		return
	}
	m.persistExitOrder(ctx, pos, secondaryVenue, closePrices[secondaryVenue], secondaryResult)

	m.completeExit(ctx, pos, eval, primaryVenue, secondaryVenue, primaryResult, secondaryResult)
}

func (m *Monitor) submitExit(ctx context.Context, pos *types.PositionWithPair, venue types.Venue, price decimal.Decimal) (*types.OrderResult, error) {
	submitCtx, cancel := context.WithTimeout(ctx, m.execCfg.SubmitTimeout)
	defer cancel()

	return m.connectors[venue].SubmitOrder(submitCtx, types.OrderParams{
		ContractID: pos.Pair.ContractIDs[venue],
		Side:       pos.Sides[venue].Opposite(),
		Quantity:   pos.Sizes[venue],
		Price:      price,
		Type:       types.OrderTypeLimit,
	})
}

func (m *Monitor) persistExitOrder(ctx context.Context, pos *types.PositionWithPair, venue types.Venue, price decimal.Decimal, result *types.OrderResult) {
	fp := result.FilledPrice
	fs := result.FilledQuantity
	order := &types.PersistedOrder{
		OrderID:    result.OrderID,
		Venue:      venue,
		ContractID: pos.Pair.ContractIDs[venue],
		PairID:     pos.PairID,
		Side:       pos.Sides[venue].Opposite(),
		Price:      price,
		Size:       pos.Sizes[venue],
		Status:     types.OrderStatusFilled,
		FillPrice:  &fp,
		FillSize:   &fs,
		IsPaper:    pos.IsPaper,
	}
	if err := m.orders.Create(ctx, order); err != nil {
		m.logger.Error("persist exit order", "order_id", result.OrderID, "error", err)
	}
}

// partialExit handles a filled primary exit with a failed secondary exit.
func (m *Monitor) partialExit(ctx context.Context, pos *types.PositionWithPair, filledVenue, failedVenue types.Venue, primaryResult *types.OrderResult, closePrices map[types.Venue]decimal.Decimal, submitErr error) {
	metrics.ExitsTotal.WithLabelValues("partial").Inc()
	metrics.SingleLegExposures.Inc()

	updated := pos.Position
	updated.Status = types.PositionExitPartial
	if updated.ExitOrderIDs == nil {
		updated.ExitOrderIDs = make(map[types.Venue]string)
	}
	updated.ExitOrderIDs[filledVenue] = primaryResult.OrderID
	if err := m.positions.Update(ctx, &updated); err != nil {
		m.logger.Error("persist partial exit", "position_id", pos.ID, "error", err)
	}

	execErr := types.NewExecutionError(types.CodePartialExitFailure, types.SeverityCritical,
		"exit on %s filled but %s leg failed", filledVenue, failedVenue).
		WithMeta("position_id", pos.ID).
		WithMeta("pair_id", pos.PairID)
	if submitErr != nil {
		execErr = execErr.WithMeta("submit_error", submitErr.Error())
	}

	m.logger.Error("partial exit",
		"severity", "critical",
		"position_id", pos.ID,
		"filled_venue", filledVenue,
		"failed_venue", failedVenue)

	fillPrice := primaryResult.FilledPrice
	m.bus.Publish(events.SingleLegExposureName, events.SingleLegExposure{
		Header:     events.NewHeader(pos.CorrelationID),
		PositionID: pos.ID,
		PairID:     pos.PairID,
		FilledLeg: types.LegDetail{
			Venue:          filledVenue,
			ContractID:     pos.Pair.ContractIDs[filledVenue],
			Side:           pos.Sides[filledVenue].Opposite(),
			OrderID:        primaryResult.OrderID,
			AttemptedPrice: closePrices[filledVenue],
			AttemptedSize:  pos.Sizes[filledVenue],
			FillPrice:      &fillPrice,
			FillSize:       primaryResult.FilledQuantity,
			IsPaper:        pos.IsPaper,
		},
		FailedLeg: types.LegDetail{
			Venue:          failedVenue,
			ContractID:     pos.Pair.ContractIDs[failedVenue],
			Side:           pos.Sides[failedVenue].Opposite(),
			AttemptedPrice: closePrices[failedVenue],
			AttemptedSize:  pos.Sizes[failedVenue],
			IsPaper:        pos.IsPaper,
		},
		Err: *execErr,
	})
}

// completeExit is the both-exit-legs-filled path.
func (m *Monitor) completeExit(ctx context.Context, pos *types.PositionWithPair, eval Evaluation, primaryVenue, secondaryVenue types.Venue, primaryResult, secondaryResult *types.OrderResult) {
	results := map[types.Venue]*types.OrderResult{
		primaryVenue:   primaryResult,
		secondaryVenue: secondaryResult,
	}

	// Realized P&L from actual exit fills, net of exit-side fees.
	realized := decimal.Zero
	minSize := pos.Sizes[primaryVenue]
	if pos.Sizes[secondaryVenue] < minSize {
		minSize = pos.Sizes[secondaryVenue]
	}
	for venue, result := range results {
		size := decimal.NewFromInt(result.FilledQuantity)
		var gross decimal.Decimal
		if pos.Sides[venue] == types.BUY {
			gross = result.FilledPrice.Sub(pos.EntryPrices[venue]).Mul(size)
		} else {
			gross = pos.EntryPrices[venue].Sub(result.FilledPrice).Mul(size)
		}
		fee := result.FilledPrice.Mul(size).Mul(m.takerFee(ctx, venue))
		realized = realized.Add(gross.Sub(fee))
	}

	finalEdge := decimal.Zero
	if minSize > 0 {
		finalEdge = realized.Div(decimal.NewFromInt(minSize))
	}

	updated := pos.Position
	updated.Status = types.PositionClosed
	updated.ExitOrderIDs = map[types.Venue]string{
		primaryVenue:   primaryResult.OrderID,
		secondaryVenue: secondaryResult.OrderID,
	}
	if err := m.positions.Update(ctx, &updated); err != nil {
		m.logger.Error("persist closed position", "position_id", pos.ID, "error", err)
	}

	m.risk.ClosePosition(pos.ID, realized)
	metrics.ExitsTotal.WithLabelValues(string(eval.Type)).Inc()

	m.logger.Info("position exited",
		"position_id", pos.ID,
		"exit_type", eval.Type,
		"realized_pnl", realized.String(),
		"final_edge", finalEdge.String())

	m.bus.Publish(events.ExitTriggeredName, events.ExitTriggered{
		Header:      events.NewHeader(pos.CorrelationID),
		PositionID:  pos.ID,
		ExitType:    string(eval.Type),
		InitialEdge: pos.ExpectedEdge,
		FinalEdge:   finalEdge,
		RealizedPnl: realized,
		ExitOrders:  updated.ExitOrderIDs,
	})
}
