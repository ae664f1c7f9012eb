// degradation.go implements the degradation protocol: a per-venue flag that
// halts new executions while a venue is degraded or disconnected. Activation
// and deactivation are idempotent; repeated calls for the same venue are no-ops.
package health

import (
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/events"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

type degradedEntry struct {
	reason     string
	since      time.Time
	lastDataAt *time.Time
}

// Degradation tracks which venues are under the degradation protocol.
// The execution queue consults it before accepting new opportunities.
type Degradation struct {
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	active map[types.Venue]degradedEntry
}

// NewDegradation creates an inactive protocol for all venues.
func NewDegradation(bus *events.Bus, logger *slog.Logger) *Degradation {
	return &Degradation{
		bus:    bus,
		logger: logger.With("component", "degradation"),
		active: make(map[types.Venue]degradedEntry),
	}
}

// Activate puts a venue under the protocol. Returns false when the venue was
// already degraded (no event is re-emitted).
func (d *Degradation) Activate(venue types.Venue, reason string, lastDataAt *time.Time) bool {
	d.mu.Lock()
	if _, ok := d.active[venue]; ok {
		d.mu.Unlock()
		return false
	}
	d.active[venue] = degradedEntry{reason: reason, since: time.Now(), lastDataAt: lastDataAt}
	d.mu.Unlock()

	metrics.DegradationActive.WithLabelValues(string(venue)).Set(1)
	d.logger.Warn("degradation protocol activated", "venue", venue, "reason", reason)
	d.bus.Publish(events.DegradationActivatedName, events.DegradationActivated{
		Header:     events.NewHeader(""),
		Venue:      venue,
		Reason:     reason,
		LastDataAt: lastDataAt,
	})
	return true
}

// Deactivate lifts the protocol for a venue. Returns false when the venue was
// not degraded.
func (d *Degradation) Deactivate(venue types.Venue) bool {
	d.mu.Lock()
	entry, ok := d.active[venue]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.active, venue)
	d.mu.Unlock()

	outageMs := time.Since(entry.since).Milliseconds()
	metrics.DegradationActive.WithLabelValues(string(venue)).Set(0)
	d.logger.Info("degradation protocol deactivated",
		"venue", venue, "outage_duration_ms", outageMs)
	d.bus.Publish(events.DegradationDeactivatedName, events.DegradationDeactivated{
		Header:           events.NewHeader(""),
		Venue:            venue,
		OutageDurationMs: outageMs,
	})
	return true
}

// IsActive reports whether a venue is currently degraded.
func (d *Degradation) IsActive(venue types.Venue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[venue]
	return ok
}

// AnyActive reports whether any venue is degraded. New executions need both
// venues healthy, so the queue halts while this is true.
func (d *Degradation) AnyActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active) > 0
}

// ActiveVenues lists venues currently under the protocol.
func (d *Degradation) ActiveVenues() []types.Venue {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Venue, 0, len(d.active))
	for v := range d.active {
		out = append(out, v)
	}
	return out
}
