// queue.go serializes opportunity processing under the execution lock.
package execution

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"crossarb/internal/risk"
	"crossarb/pkg/types"
)

// DegradationGate reports whether new executions are halted. Implemented by
// the degradation protocol; nil disables the gate.
type DegradationGate interface {
	AnyActive() bool
	ActiveVenues() []types.Venue
}

// QueueResult records the lifecycle of one opportunity through the queue.
type QueueResult struct {
	OpportunityID string                 `json:"opportunity_id"`
	Reserved      bool                   `json:"reserved"`
	Executed      bool                   `json:"executed"`
	Committed     bool                   `json:"committed"`
	Result        *types.ExecutionResult `json:"result,omitempty"`
	Err           error                  `json:"-"`
}

// Queue runs ranked opportunities one at a time: lock, reserve, execute,
// then commit or release, with the lock released in all paths.
type Queue struct {
	lock   *Lock
	risk   *risk.Manager
	core   *Core
	gate   DegradationGate
	logger *slog.Logger
}

// NewQueue creates the queue.
func NewQueue(lock *Lock, riskMgr *risk.Manager, core *Core, gate DegradationGate, logger *slog.Logger) *Queue {
	return &Queue{
		lock:   lock,
		risk:   riskMgr,
		core:   core,
		gate:   gate,
		logger: logger.With("component", "execution_queue"),
	}
}

// Process executes opportunities strictly in input order. Errors never
// propagate out of the loop; each opportunity gets its own result.
func (q *Queue) Process(ctx context.Context, opps []types.RankedOpportunity) []QueueResult {
	results := make([]QueueResult, 0, len(opps))
	for i := range opps {
		if ctx.Err() != nil {
			break
		}
		results = append(results, q.processOne(ctx, &opps[i]))
	}
	return results
}

func (q *Queue) processOne(ctx context.Context, opp *types.RankedOpportunity) QueueResult {
	out := QueueResult{OpportunityID: opp.ID}

	if q.gate != nil && q.gate.AnyActive() {
		q.logger.Warn("execution halted by degradation protocol",
			"opportunity_id", opp.ID,
			"degraded_venues", q.gate.ActiveVenues())
		out.Err = types.NewExecutionError(types.CodeGenericExecution, types.SeverityWarning,
			"degradation protocol active, new executions halted")
		return out
	}

	if err := q.lock.Acquire(ctx); err != nil {
		out.Err = err
		return out
	}
	defer q.lock.Release()

	reservation, err := q.risk.ReserveBudget(opp.ID, opp.CapitalRequestUSD)
	if err != nil {
		q.logger.Warn("budget reservation failed",
			"opportunity_id", opp.ID, "error", err)
		out.Err = err
		return out
	}
	out.Reserved = true

	result := q.core.Execute(ctx, opp, reservation)
	out.Executed = true
	out.Result = result

	if result.Success || result.PartialFill {
		// Both legs are sized from the full reserved capital, so a two-leg
		// fill consumes the whole reservation; cap the notional accordingly.
		deployed := deployedCapital(result)
		if deployed.GreaterThan(reservation.ReservedCapitalUSD) {
			deployed = reservation.ReservedCapitalUSD
		}
		if err := q.risk.CommitReservation(reservation.ID, result.PositionID, deployed); err != nil {
			// Best-effort: a commit/release race leaves the reservation settled.
			q.logger.Error("commit reservation",
				"reservation_id", reservation.ID, "error", err)
		} else {
			out.Committed = true
		}
	} else {
		if err := q.risk.ReleaseReservation(reservation.ID); err != nil {
			q.logger.Error("release reservation",
				"reservation_id", reservation.ID, "error", err)
		}
	}
	return out
}

// deployedCapital sums fill price x fill size over the filled legs.
func deployedCapital(result *types.ExecutionResult) decimal.Decimal {
	total := decimal.Zero
	for _, order := range []*types.OrderResult{result.PrimaryOrder, result.SecondaryOrder} {
		if order != nil && order.Filled() {
			total = total.Add(order.FilledPrice.Mul(decimal.NewFromInt(order.FilledQuantity)))
		}
	}
	return total
}
