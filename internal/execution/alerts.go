// alerts.go re-announces still-exposed positions so an exposure cannot go
// quiet after the initial event.
package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/events"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// AlertScheduler emits exposure reminders on a fixed tick with a per-position
// debounce. Positions on a disconnected venue are skipped (the reminder would
// carry no actionable prices), and one bad position never poisons the tick.
type AlertScheduler struct {
	positions store.PositionRepository
	orders    store.OrderRepository
	core      *Core
	bus       *events.Bus
	cfg       config.ExecutionConfig
	logger    *slog.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time // by position ID
}

// NewAlertScheduler creates the scheduler.
func NewAlertScheduler(core *Core, repos *store.Repositories, bus *events.Bus, cfg config.ExecutionConfig, logger *slog.Logger) *AlertScheduler {
	return &AlertScheduler{
		positions: repos.Positions,
		orders:    repos.Orders,
		core:      core,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "exposure_alerts"),
		lastAlert: make(map[string]time.Time),
	}
}

// Run ticks until ctx is cancelled.
func (s *AlertScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AlertInterval)
	defer ticker.Stop()

	s.logger.Info("exposure alert scheduler started",
		"interval", s.cfg.AlertInterval, "debounce", s.cfg.AlertDebounce)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exposure alert scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs one reminder pass. Exported so tests can drive ticks directly.
func (s *AlertScheduler) Tick(ctx context.Context, now time.Time) {
	exposed, err := s.positions.FindByStatusWithPair(ctx,
		types.PositionSingleLegExposed, types.PositionExitPartial)
	if err != nil {
		s.logger.Error("load exposed positions", "error", err)
		return
	}

	live := make(map[string]bool, len(exposed))
	for i := range exposed {
		pos := &exposed[i]
		live[pos.ID] = true
		s.remindOne(ctx, pos, now)
	}

	// Prune debounce entries for positions that resolved.
	s.mu.Lock()
	for id := range s.lastAlert {
		if !live[id] {
			delete(s.lastAlert, id)
		}
	}
	s.mu.Unlock()
}

func (s *AlertScheduler) remindOne(ctx context.Context, pos *types.PositionWithPair, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reminder pass panicked", "position_id", pos.ID, "panic", r)
		}
	}()

	for _, venue := range []types.Venue{types.VenueKalshi, types.VenuePolymarket} {
		if !s.core.connectors[venue].IsConnected() {
			s.logger.Debug("reminder skipped, venue disconnected",
				"position_id", pos.ID, "venue", venue)
			return
		}
	}

	s.mu.Lock()
	last, seen := s.lastAlert[pos.ID]
	if seen && now.Sub(last) < s.cfg.AlertDebounce {
		s.mu.Unlock()
		return
	}
	s.lastAlert[pos.ID] = now
	s.mu.Unlock()

	filledVenue, failedVenue, ok := exposedLegs(pos)
	if !ok {
		s.logger.Error("exposed position with no identifiable legs", "position_id", pos.ID)
		return
	}

	primary := legPlan{
		venue:      filledVenue,
		contractID: pos.Pair.ContractIDs[filledVenue],
		side:       pos.Sides[filledVenue],
		price:      pos.EntryPrices[filledVenue],
		size:       pos.Sizes[filledVenue],
	}
	secondary := legPlan{
		venue:      failedVenue,
		contractID: pos.Pair.ContractIDs[failedVenue],
		side:       pos.Sides[failedVenue],
		price:      pos.EntryPrices[failedVenue],
		size:       pos.Sizes[failedVenue],
	}

	prices := s.core.FetchMarketPrices(ctx, primary, secondary)
	scenarios := ComputePnlScenarios(PnlInputs{
		PositionID:   pos.ID,
		FilledVenue:  filledVenue,
		FilledSide:   primary.side,
		FailedSide:   secondary.side,
		FillPrice:    primary.price,
		Size:         primary.size,
		PrimaryFee:   s.core.takerFee(ctx, filledVenue),
		SecondaryFee: s.core.takerFee(ctx, failedVenue),
		Prices:       prices,
	})

	filledLeg := types.LegDetail{
		Venue:          filledVenue,
		ContractID:     primary.contractID,
		Side:           primary.side,
		AttemptedPrice: primary.price,
		AttemptedSize:  primary.size,
		FillSize:       primary.size,
		IsPaper:        s.core.isPaper(filledVenue),
	}
	fillPrice := primary.price
	filledLeg.FillPrice = &fillPrice
	if pos.PrimaryOrderID != nil {
		if order, err := s.orders.FindByID(ctx, *pos.PrimaryOrderID); err == nil {
			filledLeg.OrderID = order.OrderID
		}
	}
	failedLeg := types.LegDetail{
		Venue:          failedVenue,
		ContractID:     secondary.contractID,
		Side:           secondary.side,
		AttemptedPrice: secondary.price,
		AttemptedSize:  secondary.size,
		IsPaper:        s.core.isPaper(failedVenue),
	}

	execErr := types.NewExecutionError(types.CodeSingleLegExposure, types.SeverityCritical,
		"position %s still exposed on %s", pos.ID, filledVenue).
		WithMeta("position_id", pos.ID).
		WithMeta("pair_id", pos.PairID)

	s.logger.Warn("exposure reminder",
		"position_id", pos.ID,
		"pair_id", pos.PairID,
		"status", pos.Status,
		"filled_venue", filledVenue)

	s.bus.Publish(events.ExposureReminderName, events.SingleLegExposure{
		Header:        events.NewHeader(pos.CorrelationID),
		PositionID:    pos.ID,
		PairID:        pos.PairID,
		FilledLeg:     filledLeg,
		FailedLeg:     failedLeg,
		CurrentPrices: prices,
		PnlScenarios:  scenarios,
		MixedMode:     filledLeg.IsPaper != failedLeg.IsPaper,
		Err:           *execErr,
	})
}
