// Package engine wires the arbitrage system together and owns its lifecycle.
//
// Components, in dependency order:
//
//  1. Repositories (Postgres or in-memory) hold pairs, orders, positions, and
//     the health transition log.
//  2. Connectors (live or paper) speak to both venues; every book update feeds
//     the health tracker.
//  3. The health tracker drives the degradation protocol, which gates the
//     execution queue.
//  4. The detector scans pairs for priced dislocations; the queue runs them
//     through the execution core under the lock and budget.
//  5. Exposure tracking, exit monitoring, exposure alerts, and reconciliation
//     run as background loops.
//  6. The API server exposes operator controls and the dashboard stream.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"crossarb/internal/api"
	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/detect"
	"crossarb/internal/events"
	"crossarb/internal/execution"
	"crossarb/internal/exit"
	"crossarb/internal/exposure"
	"crossarb/internal/health"
	"crossarb/internal/reconcile"
	"crossarb/internal/risk"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// Engine orchestrates all components of the arbitrage system.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus        *events.Bus
	repos      *store.Repositories
	db         *sqlx.DB // nil when running on in-memory repositories
	connectors map[types.Venue]connector.PlatformConnector

	degradation *health.Degradation
	healthTrk   *health.Tracker
	riskMgr     *risk.Manager
	queue       *execution.Queue
	resolution  *execution.Resolution
	alerts      *execution.AlertScheduler
	exposureTrk *exposure.Tracker
	exitMon     *exit.Monitor
	recon       *reconcile.Engine
	detector    *detect.Detector
	apiServer   *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	bus := events.NewBus(logger)

	repos, db, err := openRepositories(cfg.Database)
	if err != nil {
		return nil, err
	}

	norm := book.NewNormalizer(logger)
	connectors := buildConnectors(cfg, norm, logger)

	degradation := health.NewDegradation(bus, logger)
	probes := make([]health.Probe, 0, len(connectors))
	for _, conn := range connectors {
		probes = append(probes, conn)
	}
	healthTrk := health.NewTracker(cfg.Health, probes, degradation, repos.Health, bus, logger)

	// Every book update feeds freshness and latency tracking.
	for _, conn := range connectors {
		conn.OnBookUpdate(func(b types.NormalizedOrderBook) {
			now := time.Now()
			healthTrk.ObserveBookUpdate(b.Venue, now, float64(now.Sub(b.Timestamp).Milliseconds()))
		})
	}

	riskMgr := risk.NewManager(decimal.NewFromFloat(cfg.Execution.MaxBudgetUSD), logger)
	core := execution.NewCore(connectors, repos, bus, cfg.Execution, logger)
	lock := execution.NewLock(cfg.Execution.LockTimeout, logger)
	queue := execution.NewQueue(lock, riskMgr, core, degradation, logger)
	resolution := execution.NewResolution(core, repos, riskMgr, bus, cfg.Execution, logger)
	alerts := execution.NewAlertScheduler(core, repos, bus, cfg.Execution, logger)

	exposureTrk := exposure.NewTracker(cfg.Exposure, repos, bus, logger)
	exitMon := exit.NewMonitor(connectors, repos, riskMgr, bus, cfg.Exit, cfg.Execution, logger)
	recon := reconcile.NewEngine(connectors, repos, bus, cfg.Reconciliation, logger)
	detector := detect.NewDetector(connectors, repos.Pairs, cfg.Detector, cfg.Execution.BookFetchTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		bus:         bus,
		repos:       repos,
		db:          db,
		connectors:  connectors,
		degradation: degradation,
		healthTrk:   healthTrk,
		riskMgr:     riskMgr,
		queue:       queue,
		resolution:  resolution,
		alerts:      alerts,
		exposureTrk: exposureTrk,
		exitMon:     exitMon,
		recon:       recon,
		detector:    detector,
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Dashboard.Enabled {
		e.apiServer = api.NewServer(cfg.Dashboard, api.Deps{
			Provider:   e,
			Resolution: resolution,
			Recon:      recon,
			Positions:  repos.Positions,
			Bus:        bus,
		}, logger)
	}
	return e, nil
}

func openRepositories(cfg config.DatabaseConfig) (*store.Repositories, *sqlx.DB, error) {
	if !cfg.Enabled {
		return store.NewMemory(), nil, nil
	}

	repos, db, err := store.NewPostgres(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return repos, db, nil
}

func buildConnectors(cfg config.Config, norm *book.Normalizer, logger *slog.Logger) map[types.Venue]connector.PlatformConnector {
	if cfg.Paper {
		return map[types.Venue]connector.PlatformConnector{
			types.VenueKalshi:     connector.NewPaper(types.VenueKalshi),
			types.VenuePolymarket: connector.NewPaper(types.VenuePolymarket),
		}
	}
	return map[types.Venue]connector.PlatformConnector{
		types.VenueKalshi:     connector.NewLive(types.VenueKalshi, cfg.Kalshi, norm, logger),
		types.VenuePolymarket: connector.NewLive(types.VenuePolymarket, cfg.Polymarket, norm, logger),
	}
}

// Start connects the venues, restores state, and launches all loops.
func (e *Engine) Start() error {
	for venue, conn := range e.connectors {
		connectCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		err := conn.Connect(connectCtx)
		cancel()
		if err != nil {
			// The health tracker will hold the venue disconnected and the
			// degradation protocol keeps the queue halted until it recovers.
			e.logger.Error("venue connect failed", "venue", venue, "error", err)
		}
	}

	if e.cfg.Reconciliation.RunOnStartup {
		report, err := e.recon.Run(e.ctx)
		if err != nil {
			e.logger.Error("startup reconciliation failed", "error", err)
		} else {
			e.logger.Info("startup reconciliation complete", "summary", report.Summary)
		}
	}

	if err := e.exposureTrk.Rebuild(e.ctx); err != nil {
		e.logger.Error("rebuild exposure counters", "error", err)
	}

	e.spawn(func() { e.healthTrk.Run(e.ctx) })
	e.spawn(func() { e.alerts.Run(e.ctx) })
	e.spawn(func() { e.exitMon.Run(e.ctx) })
	e.spawn(func() { e.detector.Run(e.ctx) })
	e.spawn(func() { e.consumeScans() })

	if e.apiServer != nil {
		e.spawn(func() {
			if err := e.apiServer.Start(e.ctx); err != nil {
				e.logger.Error("api server", "error", err)
			}
		})
	}

	e.logger.Info("engine started",
		"paper", e.cfg.Paper,
		"database", e.cfg.Database.Enabled,
		"dashboard", e.cfg.Dashboard.Enabled)
	return nil
}

// Stop shuts the engine down: loops first, then the API, then the venues.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	if e.apiServer != nil {
		if err := e.apiServer.Stop(); err != nil {
			e.logger.Error("stop api server", "error", err)
		}
	}

	e.wg.Wait()

	for venue, conn := range e.connectors {
		if err := conn.Disconnect(); err != nil {
			e.logger.Error("disconnect venue", "venue", venue, "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Error("close database", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// consumeScans feeds detector output into the execution queue.
func (e *Engine) consumeScans() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case result := <-e.detector.Results():
			if len(result.Opportunities) == 0 {
				continue
			}
			outcomes := e.queue.Process(e.ctx, result.Opportunities)
			for _, out := range outcomes {
				if out.Err != nil {
					e.logger.Warn("opportunity not executed",
						"opportunity_id", out.OpportunityID, "error", out.Err)
				}
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// api.SnapshotProvider
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) IsPaper() bool { return e.cfg.Paper }

func (e *Engine) VenueHealth() []types.VenueHealth { return e.healthTrk.Snapshot() }

func (e *Engine) RiskSnapshot() risk.Snapshot { return e.riskMgr.Snapshot() }

func (e *Engine) ExposureSnapshot() exposure.Snapshot { return e.exposureTrk.Snapshot() }

func (e *Engine) ActivePositions(ctx context.Context) ([]types.PositionWithPair, error) {
	return e.repos.Positions.FindByStatusWithPair(ctx,
		types.PositionOpen,
		types.PositionSingleLegExposed,
		types.PositionExitPartial,
		types.PositionReconRequired)
}
