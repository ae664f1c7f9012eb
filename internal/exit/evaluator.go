// Package exit watches open positions and closes them when a profit, loss,
// or time threshold is crossed.
package exit

import (
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// ExitType classifies what triggered an exit.
type ExitType string

const (
	ExitTakeProfit ExitType = "take_profit"
	ExitStopLoss   ExitType = "stop_loss"
	ExitTimeBased  ExitType = "time_based"
)

// LegState is one venue's contribution to the evaluation: the entry fill,
// the price the leg could be closed at now, and the venue's taker fee.
type LegState struct {
	Side         types.Side
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	Size         int64
	FeeDecimal   decimal.Decimal
}

// Evaluation is the result of one threshold check.
type Evaluation struct {
	Triggered       bool
	Type            ExitType
	CurrentPnl      decimal.Decimal
	CurrentEdge     decimal.Decimal
	CapturedEdgePct decimal.Decimal
}

// Evaluator applies the exit thresholds. It is pure: no clock, no venue
// calls; the caller supplies now and the price snapshot.
type Evaluator struct {
	takeProfitPct    decimal.Decimal
	stopLossMultiple decimal.Decimal
	timeBasedHours   decimal.Decimal
}

// NewEvaluator builds an evaluator from the configured thresholds.
func NewEvaluator(cfg config.ExitConfig) *Evaluator {
	return &Evaluator{
		takeProfitPct:    decimal.NewFromFloat(cfg.TakeProfitPct),
		stopLossMultiple: decimal.NewFromFloat(cfg.StopLossMultiple),
		timeBasedHours:   decimal.NewFromFloat(cfg.TimeBasedHours),
	}
}

// Evaluate computes the position's current P&L net of exit fees and checks
// the thresholds in priority order: stop loss, take profit, time based.
func (e *Evaluator) Evaluate(legs [2]LegState, initialEdge decimal.Decimal, resolutionDate *time.Time, now time.Time) Evaluation {
	pnl := decimal.Zero
	fees := decimal.Zero
	minSize := legs[0].Size
	if legs[1].Size < minSize {
		minSize = legs[1].Size
	}

	for _, leg := range legs {
		size := decimal.NewFromInt(leg.Size)
		if leg.Side == types.BUY {
			pnl = pnl.Add(leg.CurrentPrice.Sub(leg.EntryPrice).Mul(size))
		} else {
			pnl = pnl.Add(leg.EntryPrice.Sub(leg.CurrentPrice).Mul(size))
		}
		fees = fees.Add(leg.CurrentPrice.Mul(size).Mul(leg.FeeDecimal))
	}
	currentPnl := pnl.Sub(fees)

	minLegSize := decimal.NewFromInt(minSize)
	scaledEdge := initialEdge.Mul(minLegSize)

	out := Evaluation{CurrentPnl: currentPnl}
	if !minLegSize.IsZero() {
		out.CurrentEdge = currentPnl.Div(minLegSize)
	}
	if !scaledEdge.IsZero() {
		out.CapturedEdgePct = currentPnl.Div(scaledEdge).Mul(decimal.NewFromInt(100))
	}

	switch {
	case currentPnl.LessThanOrEqual(scaledEdge.Mul(e.stopLossMultiple).Neg()):
		out.Triggered = true
		out.Type = ExitStopLoss
	case currentPnl.GreaterThanOrEqual(scaledEdge.Mul(e.takeProfitPct)):
		out.Triggered = true
		out.Type = ExitTakeProfit
	case resolutionDate != nil:
		hoursRemaining := decimal.NewFromFloat(resolutionDate.Sub(now).Hours())
		if hoursRemaining.LessThanOrEqual(e.timeBasedHours) {
			out.Triggered = true
			out.Type = ExitTimeBased
		}
	}
	return out
}
