// Package exposure counts single-leg exposures against operational limits.
//
// Two limits are tracked: a soft monthly count (limit.approached once the
// month's exposures exceed the threshold) and a hard consecutive-week rule
// (limit.breached when enough breached ISO weeks stack up in a row). The
// tracker owns its counters exclusively; it mutates them only on the event
// bus subscriber and on the startup rebuild.
package exposure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/events"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// Tracker maintains exposure counts per calendar month and per ISO week.
type Tracker struct {
	cfg       config.ExposureConfig
	positions store.PositionRepository
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu                       sync.Mutex
	perMonth                 map[string]int
	perIsoWeek               map[string]int
	lastEvaluatedWeek        string
	consecutiveBreachedWeeks int
}

// Snapshot is the tracker's current state, for the dashboard.
type Snapshot struct {
	MonthlyCount             int `json:"monthly_count"`
	MonthlyLimit             int `json:"monthly_limit"`
	WeeklyCount              int `json:"weekly_count"`
	ConsecutiveBreachedWeeks int `json:"consecutive_breached_weeks"`
}

// NewTracker creates the tracker and subscribes it to exposure events.
func NewTracker(cfg config.ExposureConfig, repos *store.Repositories, bus *events.Bus, logger *slog.Logger) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		positions:  repos.Positions,
		bus:        bus,
		logger:     logger.With("component", "exposure_tracker"),
		now:        time.Now,
		perMonth:   make(map[string]int),
		perIsoWeek: make(map[string]int),
	}
	bus.Subscribe(events.SingleLegExposureName, func(evt any) {
		t.RecordExposure(t.now())
	})
	return t
}

// Rebuild restores the counters from persisted exposed positions, bucketed
// by creation time. Called once at startup, before any live events arrive.
func (t *Tracker) Rebuild(ctx context.Context) error {
	exposed, err := t.positions.FindByStatus(ctx, types.PositionSingleLegExposed)
	if err != nil {
		return fmt.Errorf("load exposed positions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.perMonth = make(map[string]int)
	t.perIsoWeek = make(map[string]int)
	for _, pos := range exposed {
		at := pos.CreatedAt.UTC()
		t.perMonth[monthKey(at)]++
		t.perIsoWeek[isoWeekKey(at)]++
	}

	// Walk backward from the previous week until a quiet one.
	now := t.now().UTC()
	t.lastEvaluatedWeek = isoWeekKey(now)
	t.consecutiveBreachedWeeks = 0
	for w := now.AddDate(0, 0, -7); t.perIsoWeek[isoWeekKey(w)] > t.cfg.WeeklyBreachCount; w = w.AddDate(0, 0, -7) {
		t.consecutiveBreachedWeeks++
	}

	t.logger.Info("exposure counters rebuilt",
		"exposed_positions", len(exposed),
		"consecutive_breached_weeks", t.consecutiveBreachedWeeks)
	return nil
}

// RecordExposure counts one exposure at the given instant and emits limit
// events when thresholds are crossed.
func (t *Tracker) RecordExposure(at time.Time) {
	at = at.UTC()
	ym := monthKey(at)
	week := isoWeekKey(at)

	t.mu.Lock()

	// Week rollover: settle the previous week before counting this event.
	if t.lastEvaluatedWeek != "" && week != t.lastEvaluatedWeek {
		if t.perIsoWeek[isoWeekKey(at.AddDate(0, 0, -7))] > t.cfg.WeeklyBreachCount {
			t.consecutiveBreachedWeeks++
		} else {
			t.consecutiveBreachedWeeks = 0
		}
	}
	t.lastEvaluatedWeek = week

	t.perMonth[ym]++
	t.perIsoWeek[week]++
	monthCount := t.perMonth[ym]
	weekCount := t.perIsoWeek[week]
	consecutive := t.consecutiveBreachedWeeks

	t.mu.Unlock()

	if monthCount > t.cfg.MonthlyLimit {
		t.logger.Warn("monthly exposure limit approached",
			"month", ym, "count", monthCount, "threshold", t.cfg.MonthlyLimit)
		t.bus.Publish(events.LimitApproachedName, events.LimitApproached{
			Header:    events.NewHeader(""),
			Type:      "monthly_exposure",
			Count:     monthCount,
			Threshold: t.cfg.MonthlyLimit,
		})
	}

	if weekCount > t.cfg.WeeklyBreachCount && consecutive+1 >= t.cfg.ConsecutiveWeeks {
		t.logger.Error("consecutive weekly exposure limit breached",
			"severity", "critical",
			"week", week,
			"week_count", weekCount,
			"consecutive_weeks", consecutive+1)
		t.bus.Publish(events.LimitBreachedName, events.LimitBreached{
			Header:           events.NewHeader(""),
			Type:             "weekly_consecutive_exposure",
			ConsecutiveWeeks: consecutive + 1,
		})
	}
}

// Snapshot returns the current counts for the month and week containing now.
func (t *Tracker) Snapshot() Snapshot {
	now := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		MonthlyCount:             t.perMonth[monthKey(now)],
		MonthlyLimit:             t.cfg.MonthlyLimit,
		WeeklyCount:              t.perIsoWeek[isoWeekKey(now)],
		ConsecutiveBreachedWeeks: t.consecutiveBreachedWeeks,
	}
}

func monthKey(at time.Time) string {
	return at.Format("2006-01")
}

// isoWeekKey is Monday-start, ISO-8601 numbered, in UTC. Idempotent for
// equal instants by construction.
func isoWeekKey(at time.Time) string {
	year, week := at.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
