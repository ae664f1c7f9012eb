// pnl.go computes the operator-facing P&L scenarios attached to single-leg
// exposure events. All functions are pure; missing market data degrades to
// the literal "UNAVAILABLE" rather than an error.
package execution

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Unavailable is the placeholder for scenarios that need a missing price.
const Unavailable = "UNAVAILABLE"

var (
	oneHundred = decimal.NewFromInt(100)
	two        = decimal.NewFromInt(2)
)

// PnlInputs describes one exposed leg. Prices are a best-effort snapshot:
// Primary refers to the filled leg's venue, Secondary to the failed leg's.
type PnlInputs struct {
	PositionID   string
	FilledVenue  types.Venue
	FilledSide   types.Side
	FailedSide   types.Side
	FillPrice    decimal.Decimal
	Size         int64
	PrimaryFee   decimal.Decimal // filled venue taker fee, as a fraction
	SecondaryFee decimal.Decimal // failed venue taker fee
	Prices       types.MarketPrices
}

// ComputePnlScenarios builds the full scenario block for an exposure event.
func ComputePnlScenarios(in PnlInputs) types.PnlScenarios {
	closeNow := CloseNow(in)
	retry := RetryAtCurrent(in)
	return types.PnlScenarios{
		CloseNow:           closeNow,
		RetryAtCurrent:     retry,
		HoldRiskAssessment: HoldRiskAssessment(in),
		RecommendedActions: RecommendedActions(in.PositionID, closeNow, retry),
	}
}

// unwindPrice is the price at which the filled leg could be flattened now:
// best bid for a bought leg, best ask for a sold one.
func unwindPrice(in PnlInputs) *decimal.Decimal {
	if in.FilledSide == types.BUY {
		return in.Prices.PrimaryBid
	}
	return in.Prices.PrimaryAsk
}

// CloseNow estimates the P&L of flattening the filled leg immediately,
// net of the unwind-side taker fee, formatted to 2 decimals.
func CloseNow(in PnlInputs) string {
	unwind := unwindPrice(in)
	if unwind == nil {
		return Unavailable
	}

	size := decimal.NewFromInt(in.Size)
	var gross decimal.Decimal
	if in.FilledSide == types.BUY {
		gross = unwind.Sub(in.FillPrice).Mul(size)
	} else {
		gross = in.FillPrice.Sub(*unwind).Mul(size)
	}
	pnl := gross.Sub(unwind.Mul(size).Mul(in.PrimaryFee))
	return pnl.StringFixed(2)
}

// RetryAtCurrent estimates the edge of re-attempting the failed leg at the
// secondary venue's current price, net of both taker fees, expressed as a
// percentage of the mean of the two prices.
func RetryAtCurrent(in PnlInputs) string {
	var secCurrent *decimal.Decimal
	if in.FailedSide == types.SELL {
		secCurrent = in.Prices.SecondaryBid
	} else {
		secCurrent = in.Prices.SecondaryAsk
	}
	if secCurrent == nil {
		return Unavailable
	}

	grossEdge := in.FillPrice.Sub(*secCurrent).Abs().
		Sub(in.FillPrice.Mul(in.PrimaryFee)).
		Sub(secCurrent.Mul(in.SecondaryFee))

	mean := in.FillPrice.Add(*secCurrent).Div(two)
	if mean.IsZero() {
		return Unavailable
	}
	pct := grossEdge.Div(mean).Mul(oneHundred)

	if pct.IsPositive() {
		return fmt.Sprintf("Retry would yield ~%s%% edge", pct.StringFixed(2))
	}
	return fmt.Sprintf("Retry at current price would result in ~%s%% loss", pct.Abs().StringFixed(2))
}

// HoldRiskAssessment summarizes the unhedged exposure in operator terms.
func HoldRiskAssessment(in PnlInputs) string {
	exposure := in.FillPrice.Mul(decimal.NewFromInt(in.Size))
	msg := fmt.Sprintf("EXPOSED: $%s on %s (%s %d@%s). No hedge. Immediate operator action recommended.",
		exposure.StringFixed(2), in.FilledVenue, in.FilledSide, in.Size, in.FillPrice.String())
	if in.Prices.AllUnavailable() {
		msg += " Current market prices unavailable — risk assessment may be stale."
	}
	return msg
}

// RecommendedActions returns the ordered operator playbook for an exposure.
func RecommendedActions(positionID, closeNow, retry string) []string {
	var actions []string

	retryPositive := retry != Unavailable && retryIndicatesEdge(retry)
	if retryPositive {
		actions = append(actions,
			fmt.Sprintf("Retry the failed leg at current market price (%s)", retry))
	} else if closeNow != Unavailable {
		actions = append(actions,
			fmt.Sprintf("Close the exposed leg now for an estimated P&L of $%s", closeNow))
	}

	actions = append(actions,
		fmt.Sprintf("Monitor exposure via GET /positions/%s", positionID))
	return actions
}

func retryIndicatesEdge(retry string) bool {
	// The positive form is "Retry would yield ~X.XX% edge".
	return strings.HasSuffix(retry, "edge")
}
