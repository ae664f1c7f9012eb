package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func strPtr(s string) *string { return &s }

func samplePosition(id, pairID string, status types.PositionStatus) *types.Position {
	return &types.Position{
		ID:             id,
		PairID:         pairID,
		PrimaryOrderID: strPtr("ord-1"),
		Sides: map[types.Venue]types.Side{
			types.VenueKalshi:     types.BUY,
			types.VenuePolymarket: types.SELL,
		},
		EntryPrices: map[types.Venue]decimal.Decimal{
			types.VenueKalshi: decimal.RequireFromString("0.45"),
		},
		Sizes:        map[types.Venue]int64{types.VenueKalshi: 200},
		ExpectedEdge: decimal.RequireFromString("0.02"),
		Status:       status,
	}
}

func TestMemoryOrdersLifecycle(t *testing.T) {
	t.Parallel()
	repos := NewMemory()
	ctx := context.Background()

	order := &types.PersistedOrder{
		OrderID:    "ord-1",
		Venue:      types.VenueKalshi,
		ContractID: "PRES-24",
		PairID:     "pair-1",
		Side:       types.BUY,
		Price:      decimal.RequireFromString("0.45"),
		Size:       200,
		Status:     types.OrderStatusPending,
	}
	if err := repos.Orders.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := repos.Orders.FindPending(ctx)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	fillPrice := decimal.RequireFromString("0.45")
	fillSize := int64(200)
	if err := repos.Orders.UpdateStatus(ctx, "ord-1", types.OrderStatusFilled, &fillPrice, &fillSize); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := repos.Orders.FindByID(ctx, "ord-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != types.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if got.FillPrice == nil || !got.FillPrice.Equal(fillPrice) {
		t.Errorf("fill price = %v, want 0.45", got.FillPrice)
	}

	pending, _ = repos.Orders.FindPending(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after fill = %d, want 0", len(pending))
	}

	if _, err := repos.Orders.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing order err = %v, want ErrNotFound", err)
	}
}

func TestMemoryPositionsByStatus(t *testing.T) {
	t.Parallel()
	repos := NewMemory()
	ctx := context.Background()

	repos.Positions.Create(ctx, samplePosition("pos-1", "pair-1", types.PositionOpen))
	repos.Positions.Create(ctx, samplePosition("pos-2", "pair-1", types.PositionSingleLegExposed))
	repos.Positions.Create(ctx, samplePosition("pos-3", "pair-2", types.PositionClosed))

	exposed, err := repos.Positions.FindByStatus(ctx, types.PositionSingleLegExposed)
	if err != nil {
		t.Fatalf("find by status: %v", err)
	}
	if len(exposed) != 1 || exposed[0].ID != "pos-2" {
		t.Errorf("exposed = %v, want [pos-2]", exposed)
	}

	active, err := repos.Positions.FindActive(ctx)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d, want 2 (closed position excluded)", len(active))
	}
}

func TestMemoryPositionUpdateIsIsolated(t *testing.T) {
	t.Parallel()
	repos := NewMemory()
	ctx := context.Background()

	pos := samplePosition("pos-1", "pair-1", types.PositionOpen)
	repos.Positions.Create(ctx, pos)

	// Mutating the caller's copy must not leak into the store.
	pos.Sides[types.VenueKalshi] = types.SELL
	got, err := repos.Positions.FindByID(ctx, "pos-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Sides[types.VenueKalshi] != types.BUY {
		t.Error("stored position shares memory with the caller")
	}

	got.Status = types.PositionClosed
	if err := repos.Positions.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	reread, _ := repos.Positions.FindByID(ctx, "pos-1")
	if reread.Status != types.PositionClosed {
		t.Errorf("status = %s, want CLOSED", reread.Status)
	}
	if reread.UpdatedAt.Before(reread.CreatedAt) {
		t.Error("updated_at should advance on update")
	}
}

func TestMemoryPositionWithPair(t *testing.T) {
	t.Parallel()
	repos := NewMemory()
	ctx := context.Background()

	repos.Pairs.Create(ctx, &types.Pair{
		ID: "pair-1",
		ContractIDs: map[types.Venue]string{
			types.VenueKalshi:     "PRES-24",
			types.VenuePolymarket: "asset-1",
		},
		PrimaryLeg: types.VenueKalshi,
	})
	repos.Positions.Create(ctx, samplePosition("pos-1", "pair-1", types.PositionOpen))

	got, err := repos.Positions.FindByIDWithPair(ctx, "pos-1")
	if err != nil {
		t.Fatalf("find with pair: %v", err)
	}
	if got.Pair.ContractIDs[types.VenuePolymarket] != "asset-1" {
		t.Errorf("pair contract = %q, want asset-1", got.Pair.ContractIDs[types.VenuePolymarket])
	}

	withPair, err := repos.Positions.FindByStatusWithPair(ctx, types.PositionOpen)
	if err != nil {
		t.Fatalf("find by status with pair: %v", err)
	}
	if len(withPair) != 1 || withPair[0].Pair.ID != "pair-1" {
		t.Errorf("joined rows = %v, want one with pair-1", withPair)
	}
}

func TestMemoryUpdateMissingPosition(t *testing.T) {
	t.Parallel()
	repos := NewMemory()
	ctx := context.Background()

	err := repos.Positions.UpdateStatus(ctx, "ghost", types.PositionClosed)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
