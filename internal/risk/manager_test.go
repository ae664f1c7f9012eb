package risk

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestManager(budget string) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(decimal.RequireFromString(budget), logger)
}

func TestReserveWithinBudget(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	res, err := m.ReserveBudget("opp-1", decimal.RequireFromString("400"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.ID == "" {
		t.Error("reservation should get an ID")
	}
	if !m.Available().Equal(decimal.RequireFromString("600")) {
		t.Errorf("available = %v, want 600", m.Available())
	}
}

func TestReserveExceedingBudgetFails(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	if _, err := m.ReserveBudget("opp-1", decimal.RequireFromString("800")); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	_, err := m.ReserveBudget("opp-2", decimal.RequireFromString("300"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("err = %v, want ErrLimitExceeded", err)
	}
	// Pool must be unchanged by the rejected reservation.
	if !m.Available().Equal(decimal.RequireFromString("200")) {
		t.Errorf("available = %v, want 200", m.Available())
	}
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	if _, err := m.ReserveBudget("opp-1", decimal.Zero); err == nil {
		t.Error("zero reservation should fail")
	}
	if _, err := m.ReserveBudget("opp-1", decimal.RequireFromString("-5")); err == nil {
		t.Error("negative reservation should fail")
	}
}

func TestCommitReturnsUndeployedRemainder(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	res, _ := m.ReserveBudget("opp-1", decimal.RequireFromString("100"))

	// Sizing floored to whole contracts deployed only $90 of the $100.
	if err := m.CommitReservation(res.ID, "pos-1", decimal.RequireFromString("90")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !m.Available().Equal(decimal.RequireFromString("910")) {
		t.Errorf("available = %v, want 910 (remainder returned)", m.Available())
	}

	snap := m.Snapshot()
	if !snap.CommittedUSD.Equal(decimal.RequireFromString("90")) {
		t.Errorf("committed = %v, want 90", snap.CommittedUSD)
	}
	if snap.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", snap.OpenPositions)
	}
}

func TestReservationIsTerminalAfterCommit(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	res, _ := m.ReserveBudget("opp-1", decimal.RequireFromString("100"))
	if err := m.CommitReservation(res.ID, "pos-1", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := m.CommitReservation(res.ID, "pos-1", decimal.RequireFromString("100")); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("second commit err = %v, want ErrUnknownReservation", err)
	}
	if err := m.ReleaseReservation(res.ID); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("release after commit err = %v, want ErrUnknownReservation", err)
	}
}

func TestReleaseRestoresBudget(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	res, _ := m.ReserveBudget("opp-1", decimal.RequireFromString("250"))
	if err := m.ReleaseReservation(res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !m.Available().Equal(decimal.RequireFromString("1000")) {
		t.Errorf("available = %v, want full budget back", m.Available())
	}

	if err := m.ReleaseReservation(res.ID); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("second release err = %v, want ErrUnknownReservation", err)
	}
}

func TestCommitCannotExceedReserved(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	res, _ := m.ReserveBudget("opp-1", decimal.RequireFromString("100"))
	if err := m.CommitReservation(res.ID, "pos-1", decimal.RequireFromString("150")); err == nil {
		t.Error("committing more than reserved should fail")
	}
	// Failed commit must not consume the reservation.
	if err := m.ReleaseReservation(res.ID); err != nil {
		t.Errorf("release after failed commit: %v", err)
	}
}

func TestClosePositionFreesCapitalAndBanksPnl(t *testing.T) {
	t.Parallel()
	m := newTestManager("1000")

	res, _ := m.ReserveBudget("opp-1", decimal.RequireFromString("100"))
	m.CommitReservation(res.ID, "pos-1", decimal.RequireFromString("100"))

	m.ClosePosition("pos-1", decimal.RequireFromString("4.44"))
	if !m.Available().Equal(decimal.RequireFromString("1004.44")) {
		t.Errorf("available = %v, want 1004.44 after profitable close", m.Available())
	}

	snap := m.Snapshot()
	if !snap.RealizedPnlUSD.Equal(decimal.RequireFromString("4.44")) {
		t.Errorf("realized pnl = %v, want 4.44", snap.RealizedPnlUSD)
	}

	// A loss shrinks the pool.
	m.ClosePosition("ghost", decimal.RequireFromString("-4.44"))
	if !m.Available().Equal(decimal.RequireFromString("1000")) {
		t.Errorf("available = %v, want 1000 after offsetting loss", m.Available())
	}
}
