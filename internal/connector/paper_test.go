package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func seededPaper(t *testing.T) *Paper {
	t.Helper()
	p := NewPaper(types.VenueKalshi)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.SeedBook(types.NormalizedOrderBook{
		ContractID: "PRES-24",
		Bids: []types.PriceLevel{
			{Price: decimal.RequireFromString("0.44"), Quantity: decimal.NewFromInt(300)},
		},
		Asks: []types.PriceLevel{
			{Price: decimal.RequireFromString("0.45"), Quantity: decimal.NewFromInt(200)},
			{Price: decimal.RequireFromString("0.46"), Quantity: decimal.NewFromInt(100)},
		},
	})
	return p
}

func TestPaperFillsAgainstSeededDepth(t *testing.T) {
	t.Parallel()
	p := seededPaper(t)

	// 200 contracts available at <= 0.45: full fill.
	result, err := p.SubmitOrder(context.Background(), types.OrderParams{
		ContractID: "PRES-24",
		Side:       types.BUY,
		Quantity:   200,
		Price:      decimal.RequireFromString("0.45"),
		Type:       types.OrderTypeLimit,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != types.OrderFilled {
		t.Errorf("status = %s, want filled", result.Status)
	}
	if result.FilledQuantity != 200 {
		t.Errorf("filled quantity = %d, want 200", result.FilledQuantity)
	}
	if !result.FilledPrice.Equal(decimal.RequireFromString("0.45")) {
		t.Errorf("filled price = %v, want 0.45", result.FilledPrice)
	}
}

func TestPaperPartialFill(t *testing.T) {
	t.Parallel()
	p := seededPaper(t)

	// Only 200 available at <= 0.45 but we want 500.
	result, err := p.SubmitOrder(context.Background(), types.OrderParams{
		ContractID: "PRES-24",
		Side:       types.BUY,
		Quantity:   500,
		Price:      decimal.RequireFromString("0.45"),
		Type:       types.OrderTypeLimit,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != types.OrderPartial {
		t.Errorf("status = %s, want partial", result.Status)
	}
	if result.FilledQuantity != 200 {
		t.Errorf("filled quantity = %d, want 200", result.FilledQuantity)
	}
	if !result.Filled() {
		t.Error("partial fill should count as filled")
	}
}

func TestPaperPendingWhenNoEligibleDepth(t *testing.T) {
	t.Parallel()
	p := seededPaper(t)

	// Limit 0.40 is below the best ask 0.45: rests unfilled.
	result, err := p.SubmitOrder(context.Background(), types.OrderParams{
		ContractID: "PRES-24",
		Side:       types.BUY,
		Quantity:   100,
		Price:      decimal.RequireFromString("0.40"),
		Type:       types.OrderTypeLimit,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != types.OrderPending {
		t.Errorf("status = %s, want pending", result.Status)
	}
	if result.Filled() {
		t.Error("pending order must not count as filled")
	}

	status, err := p.GetOrderStatus(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != types.OrderPending {
		t.Errorf("looked-up status = %s, want pending", status.Status)
	}
}

func TestPaperSubmitHookOverridesSimulation(t *testing.T) {
	t.Parallel()
	p := seededPaper(t)

	wantErr := errors.New("venue timeout")
	p.SubmitHook = func(params types.OrderParams) (*types.OrderResult, error) {
		return nil, wantErr
	}

	_, err := p.SubmitOrder(context.Background(), types.OrderParams{
		ContractID: "PRES-24",
		Side:       types.BUY,
		Quantity:   10,
		Price:      decimal.RequireFromString("0.45"),
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want scripted %v", err, wantErr)
	}
}

func TestPaperBookErrSimulatesOutage(t *testing.T) {
	t.Parallel()
	p := seededPaper(t)
	p.BookErr = errors.New("connection refused")

	if _, err := p.GetOrderBook(context.Background(), "PRES-24"); err == nil {
		t.Error("expected book fetch to fail during simulated outage")
	}
}

func TestPaperSeedBookNotifiesCallbacks(t *testing.T) {
	t.Parallel()
	p := NewPaper(types.VenuePolymarket)

	var got []types.NormalizedOrderBook
	p.OnBookUpdate(func(book types.NormalizedOrderBook) {
		got = append(got, book)
	})

	p.SeedBook(types.NormalizedOrderBook{ContractID: "asset-1"})
	if len(got) != 1 {
		t.Fatalf("callbacks received %d books, want 1", len(got))
	}
	if got[0].Venue != types.VenuePolymarket {
		t.Errorf("book venue = %s, want polymarket", got[0].Venue)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("seeded book should get a timestamp")
	}
}

func TestPaperCancelRejectsPendingOrder(t *testing.T) {
	t.Parallel()
	p := seededPaper(t)

	result, err := p.SubmitOrder(context.Background(), types.OrderParams{
		ContractID: "PRES-24",
		Side:       types.BUY,
		Quantity:   100,
		Price:      decimal.RequireFromString("0.40"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancel, err := p.CancelOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancel.Cancelled {
		t.Error("cancel should succeed for a pending order")
	}

	if _, err := p.CancelOrder(context.Background(), "no-such-order"); err == nil {
		t.Error("cancelling an unknown order should fail")
	}
}

func TestPaperHealthReflectsConnection(t *testing.T) {
	t.Parallel()
	p := NewPaper(types.VenueKalshi)

	health, err := p.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != types.HealthDisconnected {
		t.Errorf("status before connect = %s, want disconnected", health.Status)
	}

	p.Connect(context.Background())
	health, _ = p.GetHealth(context.Background())
	if health.Status != types.HealthHealthy {
		t.Errorf("status after connect = %s, want healthy", health.Status)
	}
	if health.Mode != types.ModePaper {
		t.Errorf("mode = %s, want paper", health.Mode)
	}
}
