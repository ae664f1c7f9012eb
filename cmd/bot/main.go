// Crossarb — an automated cross-venue arbitrage engine for binary prediction
// markets (Kalshi and Polymarket).
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires detector → queue → core, owns all loops
//	detect/detector.go   — scans paired contracts for dislocations that clear fees
//	execution/           — execution lock, budget queue, two-leg core, single-leg
//	                       resolution, exposure alerts
//	exit/                — profit/loss/time exit evaluation and the exit monitor
//	exposure/            — monthly and weekly single-leg exposure accounting
//	reconcile/           — local state vs venue truth verification
//	health/              — venue health tracking and the degradation protocol
//	connector/           — live REST/WebSocket venue clients and the paper simulator
//	book/                — venue book normalization into one representation
//	store/               — Postgres (sqlx) and in-memory repositories
//	api/                 — operator HTTP/WebSocket surface and Prometheus metrics
//
// How it makes money:
//
//	The same binary contract often trades at different probabilities on the
//	two venues. When buying the cheap side and selling the rich side clears
//	the taker fees on both legs, the engine executes both legs back to back
//	and holds the spread until an exit threshold or resolution.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crossarb/internal/config"
	"crossarb/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Paper {
		logger.Warn("PAPER MODE — orders are simulated, no venue credentials used")
	}
	logger.Info("crossarb started",
		"max_budget_usd", cfg.Execution.MaxBudgetUSD,
		"min_net_edge", cfg.Detector.MinNetEdge,
		"dashboard_port", cfg.Dashboard.Port,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
