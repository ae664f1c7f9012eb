package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/events"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type reconHarness struct {
	kalshi *connector.Paper
	poly   *connector.Paper
	repos  *store.Repositories
	bus    *events.Bus
	engine *Engine

	mu            sync.Mutex
	discrepancies []events.ReconDiscrepancy
	completes     []events.ReconComplete
}

func newReconHarness(t *testing.T) *reconHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &reconHarness{
		kalshi: connector.NewPaper(types.VenueKalshi),
		poly:   connector.NewPaper(types.VenuePolymarket),
		repos:  store.NewMemory(),
		bus:    events.NewBus(logger),
	}
	h.kalshi.Connect(context.Background())
	h.poly.Connect(context.Background())

	h.bus.Subscribe(events.ReconDiscrepancyName, func(evt any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.discrepancies = append(h.discrepancies, evt.(events.ReconDiscrepancy))
	})
	h.bus.Subscribe(events.ReconCompleteName, func(evt any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.completes = append(h.completes, evt.(events.ReconComplete))
	})

	if err := h.repos.Pairs.Create(context.Background(), &types.Pair{
		ID: "pair-1",
		ContractIDs: map[types.Venue]string{
			types.VenueKalshi:     "K-PRES-24",
			types.VenuePolymarket: "P-PRES-24",
		},
		PrimaryLeg: types.VenueKalshi,
	}); err != nil {
		t.Fatalf("seed pair: %v", err)
	}

	connectors := map[types.Venue]connector.PlatformConnector{
		types.VenueKalshi:     h.kalshi,
		types.VenuePolymarket: h.poly,
	}
	cfg := config.ReconciliationConfig{
		Debounce:     30 * time.Second,
		QueryTimeout: 5 * time.Second,
	}
	h.engine = NewEngine(connectors, h.repos, h.bus, cfg, logger)
	return h
}

// seedOpenPosition persists an OPEN position with two local FILLED orders.
func (h *reconHarness) seedOpenPosition(t *testing.T) *types.Position {
	t.Helper()
	ctx := context.Background()

	for _, o := range []struct {
		id    string
		venue types.Venue
		side  types.Side
	}{
		{"k-1", types.VenueKalshi, types.BUY},
		{"p-1", types.VenuePolymarket, types.SELL},
	} {
		fp := d("0.45")
		fs := int64(100)
		if err := h.repos.Orders.Create(ctx, &types.PersistedOrder{
			OrderID:    o.id,
			Venue:      o.venue,
			ContractID: "C-" + o.id,
			PairID:     "pair-1",
			Side:       o.side,
			Price:      fp,
			Size:       fs,
			Status:     types.OrderStatusFilled,
			FillPrice:  &fp,
			FillSize:   &fs,
		}); err != nil {
			t.Fatalf("seed order %s: %v", o.id, err)
		}
	}

	primaryID, secondaryID := "k-1", "p-1"
	pos := &types.Position{
		ID:               "pos-1",
		PairID:           "pair-1",
		PrimaryOrderID:   &primaryID,
		SecondaryOrderID: &secondaryID,
		Sides: map[types.Venue]types.Side{
			types.VenueKalshi:     types.BUY,
			types.VenuePolymarket: types.SELL,
		},
		Status: types.PositionOpen,
	}
	if err := h.repos.Positions.Create(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

// venueReports scripts both connectors to answer order-status queries with
// the given status at 0.45x100.
func (h *reconHarness) venueReports(status types.OrderFillStatus) {
	override := func(orderID string) (*types.OrderResult, error) {
		result := &types.OrderResult{OrderID: orderID, Status: status}
		if status == types.OrderFilled || status == types.OrderPartial {
			result.FilledPrice = d("0.45")
			result.FilledQuantity = 100
		}
		return result, nil
	}
	h.kalshi.StatusOverride = override
	h.poly.StatusOverride = override
}

func TestReconCleanPass(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	pos := h.seedOpenPosition(t)
	h.venueReports(types.OrderFilled)
	ctx := context.Background()

	report, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.PositionsChecked != 1 || report.OrdersVerified != 2 {
		t.Errorf("report = %+v, want 1 position / 2 orders", report)
	}
	if report.DiscrepanciesFound != 0 {
		t.Errorf("discrepancies = %d, want 0", report.DiscrepanciesFound)
	}

	updated, _ := h.repos.Positions.FindByID(ctx, pos.ID)
	if updated.Status != types.PositionOpen {
		t.Errorf("status = %s, clean pass must not flag the position", updated.Status)
	}
	if len(h.completes) != 1 {
		t.Errorf("complete events = %d, want 1", len(h.completes))
	}
}

func TestReconOrderNotFound(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	pos := h.seedOpenPosition(t)
	h.venueReports(types.OrderFilled)
	h.kalshi.StatusOverride = func(orderID string) (*types.OrderResult, error) {
		return nil, connector.ErrOrderNotFound
	}
	ctx := context.Background()

	report, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.DiscrepanciesFound != 1 {
		t.Fatalf("discrepancies = %d, want 1", report.DiscrepanciesFound)
	}
	disc := report.Discrepancies[0]
	if disc.Kind != types.DiscrepancyOrderNotFound || disc.OrderID != "k-1" {
		t.Errorf("discrepancy = %+v", disc)
	}

	updated, _ := h.repos.Positions.FindByID(ctx, pos.ID)
	if updated.Status != types.PositionReconRequired {
		t.Errorf("status = %s, want RECONCILIATION_REQUIRED", updated.Status)
	}
	if len(h.discrepancies) != 1 {
		t.Errorf("discrepancy events = %d, want 1", len(h.discrepancies))
	}
}

func TestReconPendingFilledAdoptsVenueFill(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	h.seedOpenPosition(t)
	ctx := context.Background()

	// Local record still PENDING; the venue reports it filled.
	if err := h.repos.Orders.UpdateStatus(ctx, "k-1", types.OrderStatusPending, nil, nil); err != nil {
		t.Fatalf("reset order: %v", err)
	}
	h.venueReports(types.OrderFilled)

	report, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.PendingOrdersResolved != 1 {
		t.Errorf("pending resolved = %d, want 1", report.PendingOrdersResolved)
	}
	if report.DiscrepanciesFound != 1 || report.Discrepancies[0].Kind != types.DiscrepancyPendingFilled {
		t.Fatalf("report = %+v, want one pending_filled", report)
	}

	order, err := h.repos.Orders.FindByID(ctx, "k-1")
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if order.Status != types.OrderStatusFilled || order.FillPrice == nil || !order.FillPrice.Equal(d("0.45")) {
		t.Errorf("order = %+v, want venue fill adopted", order)
	}
}

func TestReconStatusMismatch(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	h.seedOpenPosition(t)
	h.venueReports(types.OrderFilled)
	h.poly.StatusOverride = func(orderID string) (*types.OrderResult, error) {
		return &types.OrderResult{OrderID: orderID, Status: types.OrderRejectedByAPI}, nil
	}

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.DiscrepanciesFound != 1 || report.Discrepancies[0].Kind != types.DiscrepancyOrderStatusMismatch {
		t.Fatalf("report = %+v, want one order_status_mismatch", report)
	}
}

func TestReconPlatformUnavailable(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	h.seedOpenPosition(t)
	h.venueReports(types.OrderFilled)
	h.kalshi.StatusOverride = func(orderID string) (*types.OrderResult, error) {
		return nil, errors.New("gateway timeout")
	}

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.DiscrepanciesFound != 1 || report.Discrepancies[0].Kind != types.DiscrepancyPlatformUnavailable {
		t.Fatalf("report = %+v, want one platform_unavailable", report)
	}
}

func TestReconDebounce(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	h.venueReports(types.OrderFilled)
	now := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	now = now.Add(10 * time.Second)
	if _, err := h.engine.Run(ctx); !errors.Is(err, ErrDebounced) {
		t.Fatalf("err = %v, want ErrDebounced inside the window", err)
	}

	now = now.Add(25 * time.Second)
	if _, err := h.engine.Run(ctx); err != nil {
		t.Errorf("run after window: %v", err)
	}
}

func TestResolveDiscrepancy(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	pos := h.seedOpenPosition(t)
	ctx := context.Background()

	if err := h.repos.Positions.UpdateStatus(ctx, pos.ID, types.PositionReconRequired); err != nil {
		t.Fatalf("flag position: %v", err)
	}

	if err := h.engine.ResolveDiscrepancy(ctx, pos.ID, "reopen", "venue confirmed both fills"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	updated, _ := h.repos.Positions.FindByID(ctx, pos.ID)
	if updated.Status != types.PositionOpen {
		t.Errorf("status = %s, want OPEN", updated.Status)
	}

	// Resolving a position that is not flagged is rejected.
	err := h.engine.ResolveDiscrepancy(ctx, pos.ID, "close", "")
	var execErr *types.ExecutionError
	if !errors.As(err, &execErr) || execErr.Code != types.CodeInvalidPositionState {
		t.Errorf("err = %v, want INVALID_POSITION_STATE", err)
	}
}

func TestResolveDiscrepancyUnknownAction(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	pos := h.seedOpenPosition(t)
	ctx := context.Background()
	h.repos.Positions.UpdateStatus(ctx, pos.ID, types.PositionReconRequired)

	err := h.engine.ResolveDiscrepancy(ctx, pos.ID, "shred", "")
	if err == nil {
		t.Fatal("unknown action must be rejected")
	}
	updated, _ := h.repos.Positions.FindByID(ctx, pos.ID)
	if updated.Status != types.PositionReconRequired {
		t.Errorf("status = %s, unknown action must not mutate", updated.Status)
	}
}

func TestReconStatusReporting(t *testing.T) {
	t.Parallel()
	h := newReconHarness(t)
	h.venueReports(types.OrderFilled)

	if got := h.engine.Status(); got.LastRunAt != nil {
		t.Error("fresh engine should have no run history")
	}
	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	status := h.engine.Status()
	if status.LastRunAt == nil || status.NextAllowedAt == nil || status.LastReport == nil {
		t.Errorf("status = %+v, want full run history", status)
	}
}
