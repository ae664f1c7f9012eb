// Package health evaluates venue connection health and drives the degradation
// protocol.
//
// The tracker samples each venue on a fixed tick: connection state from the
// connector, data freshness from the last book update, and p95 update latency
// from a rolling window. A status change must hold for a configured number of
// consecutive ticks (hysteresis) before it is confirmed; confirmed transitions
// are persisted, published on the bus, and coupled into the degradation
// protocol. Recovery additionally requires fresh data (the freshness gate) so
// a venue cannot flap back to healthy on stale state.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/events"
	"crossarb/pkg/types"
)

// Probe is the slice of a connector the tracker needs.
type Probe interface {
	Venue() types.Venue
	IsConnected() bool
	Mode() types.Mode
}

// Record is one persisted health transition. The health log is append-only;
// rows are written on confirmed transitions, never on steady-state ticks.
type Record struct {
	Venue  types.Venue        `json:"venue" db:"venue"`
	From   types.HealthStatus `json:"from_status" db:"from_status"`
	To     types.HealthStatus `json:"to_status" db:"to_status"`
	Reason string             `json:"reason" db:"reason"`
	At     time.Time          `json:"at" db:"at"`
}

// Recorder persists health transitions. A nil recorder disables persistence.
type Recorder interface {
	RecordHealthTransition(ctx context.Context, rec Record) error
}

type venueState struct {
	probe  Probe
	status types.HealthStatus
	reason string

	// Hysteresis: a pending transition and how many ticks it has held.
	candidate       types.HealthStatus
	candidateReason string
	candidateTicks  int

	unhealthySince time.Time // set on leaving healthy, for downtime reporting
	lastData       time.Time
	latency        *book.LatencyWindow
}

// Tracker evaluates venue health on a fixed tick.
type Tracker struct {
	cfg         config.HealthConfig
	bus         *events.Bus
	degradation *Degradation
	recorder    Recorder
	logger      *slog.Logger

	mu     sync.Mutex
	venues map[types.Venue]*venueState
}

// NewTracker creates a tracker over the given venue probes.
func NewTracker(cfg config.HealthConfig, probes []Probe, degradation *Degradation, recorder Recorder, bus *events.Bus, logger *slog.Logger) *Tracker {
	venues := make(map[types.Venue]*venueState, len(probes))
	for _, p := range probes {
		venues[p.Venue()] = &venueState{
			probe:   p,
			status:  types.HealthHealthy,
			latency: book.NewLatencyWindow(100),
		}
	}
	return &Tracker{
		cfg:         cfg,
		bus:         bus,
		degradation: degradation,
		recorder:    recorder,
		venues:      venues,
		logger:      logger.With("component", "health_tracker"),
	}
}

// ObserveBookUpdate feeds a book update into the freshness and latency
// tracking. Called from the engine's book callback on the feed goroutine.
func (t *Tracker) ObserveBookUpdate(venue types.Venue, receivedAt time.Time, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.venues[venue]
	if !ok {
		return
	}
	state.lastData = receivedAt
	state.latency.Record(latencyMs)
}

// Status returns the confirmed status and reason for a venue.
func (t *Tracker) Status(venue types.Venue) (types.HealthStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.venues[venue]
	if !ok {
		return types.HealthDisconnected, "unknown_venue"
	}
	return state.status, state.reason
}

// Snapshot returns a point-in-time health report for every venue.
func (t *Tracker) Snapshot() []types.VenueHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.VenueHealth, 0, len(t.venues))
	for venue, state := range t.venues {
		out = append(out, t.reportLocked(venue, state))
	}
	return out
}

// Run evaluates health on every tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	t.logger.Info("health tracker started",
		"tick_interval", t.cfg.TickInterval,
		"stale_threshold", t.cfg.StaleThreshold,
		"latency_threshold_ms", t.cfg.LatencyThresholdMs,
		"hysteresis_ticks", t.cfg.HysteresisTicks,
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("health tracker stopped")
			return
		case now := <-ticker.C:
			t.Evaluate(ctx, now)
		}
	}
}

// Evaluate runs one health tick for all venues. Exported so tests can drive
// ticks without real time.
func (t *Tracker) Evaluate(ctx context.Context, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for venue, state := range t.venues {
		t.evaluateVenueLocked(ctx, venue, state, now)
		t.bus.Publish(events.PlatformHealthUpdated, events.HealthUpdated{
			Header: events.NewHeader(""),
			Health: t.reportLocked(venue, state),
		})
	}
}

func (t *Tracker) evaluateVenueLocked(ctx context.Context, venue types.Venue, state *venueState, now time.Time) {
	desired, reason := t.classifyLocked(state, now)

	if desired == state.status {
		state.candidateTicks = 0
		state.candidate = ""
		return
	}

	if desired == state.candidate {
		state.candidateTicks++
	} else {
		state.candidate = desired
		state.candidateReason = reason
		state.candidateTicks = 1
	}

	if state.candidateTicks < t.cfg.HysteresisTicks {
		t.logger.Debug("health transition pending",
			"venue", venue, "from", state.status, "to", desired,
			"ticks", state.candidateTicks, "required", t.cfg.HysteresisTicks)
		return
	}

	// Freshness gate: recovery needs data newer than the gate, not merely
	// non-stale, so the confirmed-healthy state rests on live evidence.
	if desired == types.HealthHealthy {
		if state.lastData.IsZero() || now.Sub(state.lastData) > t.cfg.FreshnessGate {
			t.logger.Debug("recovery blocked by freshness gate",
				"venue", venue, "last_data", state.lastData)
			return
		}
	}

	t.transitionLocked(ctx, venue, state, desired, state.candidateReason, now)
}

// classifyLocked computes the instantaneous (pre-hysteresis) status.
func (t *Tracker) classifyLocked(state *venueState, now time.Time) (types.HealthStatus, string) {
	if !state.probe.IsConnected() {
		return types.HealthDisconnected, "disconnected"
	}
	if state.lastData.IsZero() || now.Sub(state.lastData) > t.cfg.StaleThreshold {
		return types.HealthDegraded, "stale_data"
	}
	if state.latency.P95() > t.cfg.LatencyThresholdMs {
		return types.HealthDegraded, "high_latency"
	}
	return types.HealthHealthy, ""
}

func (t *Tracker) transitionLocked(ctx context.Context, venue types.Venue, state *venueState, to types.HealthStatus, reason string, now time.Time) {
	from := state.status
	state.status = to
	state.reason = reason
	state.candidate = ""
	state.candidateTicks = 0

	var downtimeMs int64
	if to == types.HealthHealthy && !state.unhealthySince.IsZero() {
		downtimeMs = now.Sub(state.unhealthySince).Milliseconds()
		state.unhealthySince = time.Time{}
	} else if from == types.HealthHealthy {
		state.unhealthySince = now
	}

	t.logger.Warn("health transition confirmed",
		"venue", venue, "from", from, "to", to, "reason", reason,
		"downtime_ms", downtimeMs)

	if t.recorder != nil {
		rec := Record{Venue: venue, From: from, To: to, Reason: reason, At: now}
		if err := t.recorder.RecordHealthTransition(ctx, rec); err != nil {
			// Persistence failure must not break the tick loop.
			t.logger.Error("persist health transition", "venue", venue, "error", err)
		}
	}

	evt := events.HealthTransition{
		Header:     events.NewHeader(""),
		Venue:      venue,
		From:       from,
		To:         to,
		Reason:     reason,
		DowntimeMs: downtimeMs,
	}
	switch to {
	case types.HealthDegraded:
		t.bus.Publish(events.PlatformHealthDegraded, evt)
	case types.HealthDisconnected:
		t.bus.Publish(events.PlatformHealthDisconnected, evt)
	case types.HealthHealthy:
		t.bus.Publish(events.PlatformHealthRecovered, evt)
	}

	// Couple into the degradation protocol. Both calls are idempotent.
	if t.degradation != nil {
		if to == types.HealthHealthy {
			t.degradation.Deactivate(venue)
		} else {
			var lastData *time.Time
			if !state.lastData.IsZero() {
				ld := state.lastData
				lastData = &ld
			}
			t.degradation.Activate(venue, reason, lastData)
		}
	}
}

func (t *Tracker) reportLocked(venue types.Venue, state *venueState) types.VenueHealth {
	health := types.VenueHealth{
		Venue:        venue,
		Status:       state.status,
		Reason:       state.reason,
		LatencyMsP95: state.latency.P95(),
		Mode:         state.probe.Mode(),
	}
	if !state.lastData.IsZero() {
		ld := state.lastData
		health.LastHeartbeat = &ld
	}
	return health
}
