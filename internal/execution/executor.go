// executor.go implements the two-leg execution core.
//
// Execute runs one opportunity end to end: size both legs from the reserved
// capital, verify depth before each submission, submit primary then
// secondary, and persist the resulting position. A filled primary with a
// failed secondary is the single-leg exposure path: the position is created
// SINGLE_LEG_EXPOSED and a critical exposure event carries the full operator
// context (leg details, current prices, P&L scenarios, recommended actions).
//
// Event ordering within one opportunity is guaranteed: order.filled for the
// primary leg is always published before the exposure or completion event.
package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/events"
	"crossarb/internal/metrics"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// Core executes opportunities against the two venue connectors.
type Core struct {
	connectors map[types.Venue]connector.PlatformConnector
	orders     store.OrderRepository
	positions  store.PositionRepository
	pairs      store.PairRepository
	bus        *events.Bus
	cfg        config.ExecutionConfig
	logger     *slog.Logger
}

// NewCore creates the execution core.
func NewCore(connectors map[types.Venue]connector.PlatformConnector, repos *store.Repositories, bus *events.Bus, cfg config.ExecutionConfig, logger *slog.Logger) *Core {
	return &Core{
		connectors: connectors,
		orders:     repos.Orders,
		positions:  repos.Positions,
		pairs:      repos.Pairs,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With("component", "execution_core"),
	}
}

// legPlan is the resolved intent for one leg before submission.
type legPlan struct {
	venue      types.Venue
	contractID string
	side       types.Side
	price      decimal.Decimal
	size       int64
}

// Execute runs one opportunity under the execution lock. It never panics
// across the boundary; every failure mode is an ExecutionResult.
func (c *Core) Execute(ctx context.Context, opp *types.RankedOpportunity, res *types.BudgetReservation) *types.ExecutionResult {
	start := time.Now()
	result := c.execute(ctx, opp, res)
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	switch {
	case result.Success:
		metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	case result.PartialFill:
		metrics.ExecutionsTotal.WithLabelValues("single_leg").Inc()
	default:
		metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
	}
	return result
}

func (c *Core) execute(ctx context.Context, opp *types.RankedOpportunity, res *types.BudgetReservation) *types.ExecutionResult {
	pair, err := c.pairs.FindByID(ctx, opp.PairID)
	if err != nil {
		return c.fail(opp, types.NewExecutionError(types.CodeGenericExecution,
			types.SeverityError, "pair %s not found: %v", opp.PairID, err))
	}

	primary := c.planLeg(opp, pair, opp.PrimaryVenue, res.ReservedCapitalUSD)
	secondary := c.planLeg(opp, pair, opp.SecondaryVenue, res.ReservedCapitalUSD)
	if primary.size <= 0 || secondary.size <= 0 {
		return c.fail(opp, types.NewExecutionError(types.CodeInsufficientLiquidity,
			types.SeverityWarning, "reserved capital %s too small for one contract",
			res.ReservedCapitalUSD))
	}

	// Pre-primary depth verification.
	if execErr := c.verifyDepth(ctx, primary); execErr != nil {
		return c.fail(opp, execErr)
	}

	primaryResult, err := c.submit(ctx, primary)
	if err != nil {
		return c.fail(opp, types.NewExecutionError(types.CodeOrderRejected,
			types.SeverityError, "primary submit on %s: %v", primary.venue, err))
	}
	switch primaryResult.Status {
	case types.OrderFilled, types.OrderPartial:
		// fall through
	case types.OrderPending:
		return c.fail(opp, types.NewExecutionError(types.CodeOrderTimeout,
			types.SeverityWarning, "primary order %s pending on %s",
			primaryResult.OrderID, primary.venue))
	default:
		return c.fail(opp, types.NewExecutionError(types.CodeOrderRejected,
			types.SeverityError, "primary order rejected on %s", primary.venue))
	}

	c.persistOrder(ctx, primary, primaryResult, opp.PairID)

	// Pre-secondary depth verification.
	if execErr := c.verifyDepth(ctx, secondary); execErr != nil {
		return c.singleLegExposure(ctx, opp, primary, secondary, primaryResult, nil)
	}

	secondaryResult, err := c.submit(ctx, secondary)
	if err != nil || !secondaryResult.Filled() {
		if err != nil {
			c.logger.Error("secondary submit failed",
				"venue", secondary.venue, "error", err,
				"correlation_id", opp.CorrelationID)
		}
		return c.singleLegExposure(ctx, opp, primary, secondary, primaryResult, secondaryResult)
	}

	c.persistOrder(ctx, secondary, secondaryResult, opp.PairID)
	return c.complete(ctx, opp, primary, secondary, primaryResult, secondaryResult)
}

// planLeg resolves one venue's intent: side and target price from the
// opportunity, size from capital / price floored to whole contracts.
func (c *Core) planLeg(opp *types.RankedOpportunity, pair *types.Pair, venue types.Venue, capital decimal.Decimal) legPlan {
	price := opp.TargetPrice(venue)
	var size int64
	if price.IsPositive() {
		size = capital.Div(price).Floor().IntPart()
	}
	return legPlan{
		venue:      venue,
		contractID: pair.ContractIDs[venue],
		side:       opp.SideFor(venue),
		price:      price,
		size:       size,
	}
}

// verifyDepth checks the book has enough eligible quantity to absorb the leg:
// asks priced at or under the limit for buys, bids at or over it for sells.
func (c *Core) verifyDepth(ctx context.Context, leg legPlan) *types.ExecutionError {
	bookCtx, cancel := context.WithTimeout(ctx, c.cfg.BookFetchTimeout)
	defer cancel()

	book, err := c.connectors[leg.venue].GetOrderBook(bookCtx, leg.contractID)
	if err != nil {
		return types.NewExecutionError(types.CodeGenericExecution, types.SeverityError,
			"book fetch on %s: %v", leg.venue, err)
	}

	available := decimal.Zero
	if leg.side == types.BUY {
		for _, lvl := range book.Asks {
			if lvl.Price.LessThanOrEqual(leg.price) {
				available = available.Add(lvl.Quantity)
			}
		}
	} else {
		for _, lvl := range book.Bids {
			if lvl.Price.GreaterThanOrEqual(leg.price) {
				available = available.Add(lvl.Quantity)
			}
		}
	}

	if available.LessThan(decimal.NewFromInt(leg.size)) {
		return types.NewExecutionError(types.CodeInsufficientLiquidity, types.SeverityWarning,
			"insufficient depth on %s: need %d, available %s",
			leg.venue, leg.size, available.String()).
			WithMeta("venue", string(leg.venue)).
			WithMeta("target_size", leg.size).
			WithMeta("available", available.String())
	}
	return nil
}

func (c *Core) submit(ctx context.Context, leg legPlan) (*types.OrderResult, error) {
	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	return c.connectors[leg.venue].SubmitOrder(submitCtx, types.OrderParams{
		ContractID: leg.contractID,
		Side:       leg.side,
		Quantity:   leg.size,
		Price:      leg.price,
		Type:       types.OrderTypeLimit,
	})
}

// persistOrder records a submission outcome. Persistence failures are logged
// and do not abort the execution path.
func (c *Core) persistOrder(ctx context.Context, leg legPlan, result *types.OrderResult, pairID string) {
	order := &types.PersistedOrder{
		OrderID:    result.OrderID,
		Venue:      leg.venue,
		ContractID: leg.contractID,
		PairID:     pairID,
		Side:       leg.side,
		Price:      leg.price,
		Size:       leg.size,
		Status:     persistedStatus(result.Status),
		IsPaper:    c.isPaper(leg.venue),
	}
	if result.Filled() {
		fp := result.FilledPrice
		fs := result.FilledQuantity
		order.FillPrice = &fp
		order.FillSize = &fs
	}
	if err := c.orders.Create(ctx, order); err != nil {
		c.logger.Error("persist order", "order_id", result.OrderID, "error", err)
	}
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

// fail abandons an opportunity before any leg filled.
func (c *Core) fail(opp *types.RankedOpportunity, execErr *types.ExecutionError) *types.ExecutionResult {
	c.logger.Warn("execution abandoned",
		"opportunity_id", opp.ID,
		"pair_id", opp.PairID,
		"code", execErr.Code,
		"error", execErr.Message,
		"correlation_id", opp.CorrelationID)

	c.bus.Publish(events.ExecutionFailedName, events.ExecutionFailed{
		Header:        events.NewHeader(opp.CorrelationID),
		OpportunityID: opp.ID,
		PairID:        opp.PairID,
		Err:           *execErr,
	})
	return &types.ExecutionResult{Err: execErr}
}

// complete is the both-legs-filled path.
func (c *Core) complete(ctx context.Context, opp *types.RankedOpportunity, primary, secondary legPlan, primaryResult, secondaryResult *types.OrderResult) *types.ExecutionResult {
	pos := &types.Position{
		ID:               uuid.NewString(),
		PairID:           opp.PairID,
		PrimaryOrderID:   &primaryResult.OrderID,
		SecondaryOrderID: &secondaryResult.OrderID,
		Sides: map[types.Venue]types.Side{
			primary.venue:   primary.side,
			secondary.venue: secondary.side,
		},
		EntryPrices: map[types.Venue]decimal.Decimal{
			primary.venue:   primaryResult.FilledPrice,
			secondary.venue: secondaryResult.FilledPrice,
		},
		Sizes: map[types.Venue]int64{
			primary.venue:   primaryResult.FilledQuantity,
			secondary.venue: secondaryResult.FilledQuantity,
		},
		ExpectedEdge:  opp.NetEdge,
		Status:        types.PositionOpen,
		IsPaper:       c.isPaper(primary.venue) || c.isPaper(secondary.venue),
		CorrelationID: opp.CorrelationID,
	}
	if err := c.positions.Create(ctx, pos); err != nil {
		c.logger.Error("persist position", "position_id", pos.ID, "error", err)
	}

	c.publishFill(opp, pos.ID, primary, primaryResult)
	c.publishFill(opp, pos.ID, secondary, secondaryResult)

	c.logger.Info("opportunity executed",
		"position_id", pos.ID,
		"pair_id", opp.PairID,
		"primary_venue", primary.venue,
		"secondary_venue", secondary.venue,
		"expected_edge", opp.NetEdge.String(),
		"correlation_id", opp.CorrelationID)

	return &types.ExecutionResult{
		Success:        true,
		PositionID:     pos.ID,
		PrimaryOrder:   primaryResult,
		SecondaryOrder: secondaryResult,
	}
}

// singleLegExposure is the one-leg-filled path. secondaryResult may be nil
// (depth check failure or connector error before any venue response).
func (c *Core) singleLegExposure(ctx context.Context, opp *types.RankedOpportunity, primary, secondary legPlan, primaryResult, secondaryResult *types.OrderResult) *types.ExecutionResult {
	metrics.SingleLegExposures.Inc()

	// A pending secondary is persisted so reconciliation can resolve it.
	if secondaryResult != nil && secondaryResult.Status == types.OrderPending {
		c.persistOrder(ctx, secondary, secondaryResult, opp.PairID)
	}

	pos := &types.Position{
		ID:             uuid.NewString(),
		PairID:         opp.PairID,
		PrimaryOrderID: &primaryResult.OrderID,
		Sides: map[types.Venue]types.Side{
			primary.venue:   primary.side,
			secondary.venue: secondary.side,
		},
		EntryPrices: map[types.Venue]decimal.Decimal{
			primary.venue:   primaryResult.FilledPrice,
			secondary.venue: secondary.price, // intended target, for retry sizing
		},
		Sizes: map[types.Venue]int64{
			primary.venue:   primaryResult.FilledQuantity,
			secondary.venue: secondary.size,
		},
		ExpectedEdge:  opp.NetEdge,
		Status:        types.PositionSingleLegExposed,
		IsPaper:       c.isPaper(primary.venue) || c.isPaper(secondary.venue),
		CorrelationID: opp.CorrelationID,
	}
	if err := c.positions.Create(ctx, pos); err != nil {
		c.logger.Error("persist exposed position", "position_id", pos.ID, "error", err)
	}

	// Primary fill is observable before the exposure event.
	c.publishFill(opp, pos.ID, primary, primaryResult)

	prices := c.FetchMarketPrices(ctx, primary, secondary)
	scenarios := ComputePnlScenarios(PnlInputs{
		PositionID:   pos.ID,
		FilledVenue:  primary.venue,
		FilledSide:   primary.side,
		FailedSide:   secondary.side,
		FillPrice:    primaryResult.FilledPrice,
		Size:         primaryResult.FilledQuantity,
		PrimaryFee:   c.takerFee(ctx, primary.venue),
		SecondaryFee: c.takerFee(ctx, secondary.venue),
		Prices:       prices,
	})

	execErr := types.NewExecutionError(types.CodeSingleLegExposure, types.SeverityCritical,
		"single-leg exposure on %s: secondary leg on %s did not fill",
		primary.venue, secondary.venue).
		WithMeta("position_id", pos.ID).
		WithMeta("pair_id", opp.PairID).
		WithMeta("pnl_scenarios", scenarios).
		WithMeta("recommended_actions", scenarios.RecommendedActions)

	fillPrice := primaryResult.FilledPrice
	filledLeg := types.LegDetail{
		Venue:          primary.venue,
		ContractID:     primary.contractID,
		Side:           primary.side,
		OrderID:        primaryResult.OrderID,
		AttemptedPrice: primary.price,
		AttemptedSize:  primary.size,
		FillPrice:      &fillPrice,
		FillSize:       primaryResult.FilledQuantity,
		IsPaper:        c.isPaper(primary.venue),
	}
	failedLeg := types.LegDetail{
		Venue:          secondary.venue,
		ContractID:     secondary.contractID,
		Side:           secondary.side,
		AttemptedPrice: secondary.price,
		AttemptedSize:  secondary.size,
		IsPaper:        c.isPaper(secondary.venue),
	}
	if secondaryResult != nil {
		failedLeg.OrderID = secondaryResult.OrderID
	}

	c.logger.Error("single-leg exposure",
		"severity", "critical",
		"position_id", pos.ID,
		"pair_id", opp.PairID,
		"filled_venue", primary.venue,
		"failed_venue", secondary.venue,
		"correlation_id", opp.CorrelationID)

	c.bus.Publish(events.SingleLegExposureName, events.SingleLegExposure{
		Header:        events.NewHeader(opp.CorrelationID),
		PositionID:    pos.ID,
		PairID:        opp.PairID,
		FilledLeg:     filledLeg,
		FailedLeg:     failedLeg,
		CurrentPrices: prices,
		PnlScenarios:  scenarios,
		MixedMode:     c.isPaper(primary.venue) != c.isPaper(secondary.venue),
		Err:           *execErr,
	})

	return &types.ExecutionResult{
		PartialFill:  true,
		PositionID:   pos.ID,
		PrimaryOrder: primaryResult,
		Err:          execErr,
	}
}

func (c *Core) publishFill(opp *types.RankedOpportunity, positionID string, leg legPlan, result *types.OrderResult) {
	c.bus.Publish(events.OrderFilledName, events.OrderFilled{
		Header:     events.NewHeader(opp.CorrelationID),
		Order:      *result,
		PairID:     opp.PairID,
		PositionID: positionID,
		Side:       leg.side,
		IsPaper:    c.isPaper(leg.venue),
	})
}

// FetchMarketPrices grabs top-of-book on both legs with a short timeout.
// Failures degrade to nil fields; they never abort the exposure path.
func (c *Core) FetchMarketPrices(ctx context.Context, primary, secondary legPlan) types.MarketPrices {
	var prices types.MarketPrices

	fetch := func(leg legPlan) (*decimal.Decimal, *decimal.Decimal) {
		bookCtx, cancel := context.WithTimeout(ctx, c.cfg.BookFetchTimeout)
		defer cancel()

		book, err := c.connectors[leg.venue].GetOrderBook(bookCtx, leg.contractID)
		if err != nil {
			c.logger.Warn("price fetch for exposure context failed",
				"venue", leg.venue, "error", err)
			return nil, nil
		}
		var bid, ask *decimal.Decimal
		if best, ok := book.BestBid(); ok {
			p := best.Price
			bid = &p
		}
		if best, ok := book.BestAsk(); ok {
			p := best.Price
			ask = &p
		}
		return bid, ask
	}

	prices.PrimaryBid, prices.PrimaryAsk = fetch(primary)
	prices.SecondaryBid, prices.SecondaryAsk = fetch(secondary)
	return prices
}

func (c *Core) takerFee(ctx context.Context, venue types.Venue) decimal.Decimal {
	feeCtx, cancel := context.WithTimeout(ctx, c.cfg.BookFetchTimeout)
	defer cancel()

	fees, err := c.connectors[venue].GetFeeSchedule(feeCtx)
	if err != nil {
		c.logger.Warn("fee schedule fetch failed", "venue", venue, "error", err)
		return decimal.Zero
	}
	return fees.TakerFee
}

func (c *Core) isPaper(venue types.Venue) bool {
	return c.connectors[venue].Mode() == types.ModePaper
}
