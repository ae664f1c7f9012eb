// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Paper          bool                 `mapstructure:"paper"`
	Kalshi         VenueConfig          `mapstructure:"kalshi"`
	Polymarket     VenueConfig          `mapstructure:"polymarket"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Health         HealthConfig         `mapstructure:"health"`
	Execution      ExecutionConfig      `mapstructure:"execution"`
	Exposure       ExposureConfig       `mapstructure:"exposure"`
	Exit           ExitConfig           `mapstructure:"exit"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Detector       DetectorConfig       `mapstructure:"detector"`
	Dashboard      DashboardConfig      `mapstructure:"dashboard"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// VenueConfig holds connection settings for one venue.
type VenueConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	// RequestsPerSecond feeds the connector's rate limiter; Burst is its
	// short-term allowance.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DatabaseConfig configures the Postgres persistence layer. When Enabled is
// false the engine runs on in-memory repositories (paper mode, tests).
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// HealthConfig tunes the platform health tracker.
//
//   - TickInterval: how often health is evaluated per venue.
//   - StaleThreshold: data older than this marks the venue degraded (stale_data).
//   - LatencyThresholdMs: P95 update latency above this marks high_latency.
//   - FreshnessGate: recovery additionally requires data newer than this.
//   - HysteresisTicks: consecutive ticks required to confirm a transition.
type HealthConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	StaleThreshold     time.Duration `mapstructure:"stale_threshold"`
	LatencyThresholdMs float64       `mapstructure:"latency_threshold_ms"`
	FreshnessGate      time.Duration `mapstructure:"freshness_gate"`
	HysteresisTicks    int           `mapstructure:"hysteresis_ticks"`
}

// ExecutionConfig tunes the execution core.
//
//   - LockTimeout: the execution lock is force-released after this long.
//   - BookFetchTimeout: per-call deadline for order book fetches.
//   - SubmitTimeout: per-call deadline for order submissions.
//   - AlertInterval: how often still-exposed positions are re-announced.
//   - AlertDebounce: minimum gap between reminders for the same position.
type ExecutionConfig struct {
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	BookFetchTimeout time.Duration `mapstructure:"book_fetch_timeout"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
	AlertInterval    time.Duration `mapstructure:"alert_interval"`
	AlertDebounce    time.Duration `mapstructure:"alert_debounce"`
	MaxBudgetUSD     float64       `mapstructure:"max_budget_usd"`
}

// ExposureConfig surfaces the single-leg exposure thresholds.
//
//   - MonthlyLimit: monthly exposure count above this emits limit.approached.
//   - WeeklyBreachCount: a week with more exposures than this counts as breached.
//   - ConsecutiveWeeks: breached weeks in a row required for limit.breached.
type ExposureConfig struct {
	MonthlyLimit      int `mapstructure:"monthly_limit"`
	WeeklyBreachCount int `mapstructure:"weekly_breach_count"`
	ConsecutiveWeeks  int `mapstructure:"consecutive_weeks"`
}

// ExitConfig tunes the exit monitor thresholds.
//
//   - TakeProfitPct: exit when currentPnl >= TakeProfitPct * scaled initial edge.
//   - StopLossMultiple: exit when currentPnl <= -StopLossMultiple * scaled edge.
//   - TimeBasedHours: exit when the pair resolves within this many hours.
//   - BreakerThreshold: consecutive all-failed ticks before one tick is skipped.
type ExitConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	TakeProfitPct    float64       `mapstructure:"take_profit_pct"`
	StopLossMultiple float64       `mapstructure:"stop_loss_multiple"`
	TimeBasedHours   float64       `mapstructure:"time_based_hours"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
}

// ReconciliationConfig tunes the reconciliation engine.
type ReconciliationConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	RunOnStartup bool          `mapstructure:"run_on_startup"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DetectorConfig tunes the upstream opportunity detector.
type DetectorConfig struct {
	MinNetEdge    float64       `mapstructure:"min_net_edge"`
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
	MaxCapitalUSD float64       `mapstructure:"max_capital_usd"`
}

// DashboardConfig controls the operator HTTP server. AllowedOrigins is the
// WebSocket origin allowlist; empty means same-host and localhost only.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_KALSHI_API_KEY, ARB_KALSHI_API_SECRET,
// ARB_POLYMARKET_API_KEY, ARB_POLYMARKET_API_SECRET, ARB_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_KALSHI_API_KEY"); key != "" {
		cfg.Kalshi.APIKey = key
	}
	if secret := os.Getenv("ARB_KALSHI_API_SECRET"); secret != "" {
		cfg.Kalshi.APISecret = secret
	}
	if key := os.Getenv("ARB_POLYMARKET_API_KEY"); key != "" {
		cfg.Polymarket.APIKey = key
	}
	if secret := os.Getenv("ARB_POLYMARKET_API_SECRET"); secret != "" {
		cfg.Polymarket.APISecret = secret
	}
	if dsn := os.Getenv("ARB_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if os.Getenv("ARB_PAPER") == "true" || os.Getenv("ARB_PAPER") == "1" {
		cfg.Paper = true
	}

	return &cfg, nil
}

// setDefaults establishes the documented defaults so a minimal YAML works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("paper", true)

	v.SetDefault("health.tick_interval", "30s")
	v.SetDefault("health.stale_threshold", "60s")
	v.SetDefault("health.latency_threshold_ms", 2000.0)
	v.SetDefault("health.freshness_gate", "30s")
	v.SetDefault("health.hysteresis_ticks", 2)

	v.SetDefault("execution.lock_timeout", "30s")
	v.SetDefault("execution.book_fetch_timeout", "2s")
	v.SetDefault("execution.submit_timeout", "10s")
	v.SetDefault("execution.alert_interval", "60s")
	v.SetDefault("execution.alert_debounce", "55s")
	v.SetDefault("execution.max_budget_usd", 1000.0)

	v.SetDefault("exposure.monthly_limit", 5)
	v.SetDefault("exposure.weekly_breach_count", 1)
	v.SetDefault("exposure.consecutive_weeks", 3)

	v.SetDefault("exit.tick_interval", "30s")
	v.SetDefault("exit.take_profit_pct", 0.80)
	v.SetDefault("exit.stop_loss_multiple", 2.0)
	v.SetDefault("exit.time_based_hours", 48.0)
	v.SetDefault("exit.breaker_threshold", 3)

	v.SetDefault("reconciliation.debounce", "30s")
	v.SetDefault("reconciliation.run_on_startup", true)
	v.SetDefault("reconciliation.query_timeout", "10s")

	v.SetDefault("detector.min_net_edge", 0.01)
	v.SetDefault("detector.scan_interval", "5s")
	v.SetDefault("detector.max_capital_usd", 100.0)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.query_timeout", "10s")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	for _, venue := range []string{"kalshi", "polymarket"} {
		v.SetDefault(venue+".http_timeout", "10s")
		v.SetDefault(venue+".requests_per_second", 10.0)
		v.SetDefault(venue+".burst", 20)
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Paper {
		if c.Kalshi.BaseURL == "" {
			return fmt.Errorf("kalshi.base_url is required for live trading")
		}
		if c.Polymarket.BaseURL == "" {
			return fmt.Errorf("polymarket.base_url is required for live trading")
		}
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.enabled (set ARB_DATABASE_DSN)")
	}
	if c.Health.HysteresisTicks < 1 {
		return fmt.Errorf("health.hysteresis_ticks must be >= 1")
	}
	if c.Execution.LockTimeout <= 0 {
		return fmt.Errorf("execution.lock_timeout must be > 0")
	}
	if c.Execution.BookFetchTimeout <= 0 {
		return fmt.Errorf("execution.book_fetch_timeout must be > 0")
	}
	if c.Execution.SubmitTimeout > c.Execution.LockTimeout {
		return fmt.Errorf("execution.submit_timeout must not exceed execution.lock_timeout")
	}
	if c.Exposure.MonthlyLimit <= 0 {
		return fmt.Errorf("exposure.monthly_limit must be > 0")
	}
	if c.Exposure.ConsecutiveWeeks <= 0 {
		return fmt.Errorf("exposure.consecutive_weeks must be > 0")
	}
	if c.Exit.TakeProfitPct <= 0 || c.Exit.TakeProfitPct > 1 {
		return fmt.Errorf("exit.take_profit_pct must be in (0, 1]")
	}
	if c.Exit.StopLossMultiple <= 0 {
		return fmt.Errorf("exit.stop_loss_multiple must be > 0")
	}
	if c.Exit.BreakerThreshold <= 0 {
		return fmt.Errorf("exit.breaker_threshold must be > 0")
	}
	if c.Reconciliation.Debounce <= 0 {
		return fmt.Errorf("reconciliation.debounce must be > 0")
	}
	return nil
}
