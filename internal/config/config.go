// Package config loads the execution core's runtime configuration from
// environment variables, following the teacher's getEnv* helper pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/types"
)

// Mode selects LIVE, PAPER or BACKTEST execution.
type Mode string

const (
	ModeLive     Mode = "LIVE"
	ModePaper    Mode = "PAPER"
	ModeBacktest Mode = "BACKTEST"
)

// MarginMode is isolated or cross.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// Config is every setting read once at startup (§6 of the design doc).
type Config struct {
	ExecutionMode Mode

	// Sizing
	RiskPct           decimal.Decimal
	Leverage          decimal.Decimal
	MarginMode        MarginMode
	MinOrderValueUSDT decimal.Decimal
	MaxOrderValueUSDT decimal.Decimal

	// Gates
	MaxOpenPositions   int
	MutexUpgradeAction types.UpgradeAction
	CooldownEnabled    bool
	CooldownBars1h     int
	CooldownBars4h     int
	CooldownBars1d     int

	// Entry
	EntryOrderType            types.OrderType
	EntryTimeoutMs            int64
	EntryPartialFillTimeoutMs int64
	EntryMaxRetries           int
	EntryRepriceBps           int64
	EntryFallbackMarket       bool

	// Exits
	RunnerTrailMode      types.TrailMode
	SecondaryRuleEnabled bool

	// Risk
	AccountKillSwitchEnabled bool
	AccountKillSwitchForceOn bool
	DailyLossLimitPct        decimal.Decimal
	RiskCircuitEnabled       bool
	DailyDrawdownSoftPct     decimal.Decimal
	DailyDrawdownHardPct     decimal.Decimal

	// Consistency
	ConsistencyDriftEnabled      bool
	ConsistencyDriftThresholdPct decimal.Decimal
	ConsistencyDriftWindow       time.Duration

	// WS
	PrivateWSEnabled   bool
	PrivateWSURL       string
	PrivateWSSubscribe []string

	// Reconcile
	ReconcilePollInterval   time.Duration
	PositionSyncInterval    time.Duration
	OrderTimeoutAlertWindow time.Duration

	// Database
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	// Venue REST
	VenueBaseURL   string
	VenueAPIKey    string
	VenueAPISecret string

	// Rate limiting (REST client, §4.9)
	RateLimitOrderBurst   float64
	RateLimitOrderPerSec  float64
	RateLimitCancelBurst  float64
	RateLimitCancelPerSec float64
	RateLimitQueryBurst   float64
	RateLimitQueryPerSec  float64
	QueryCacheTTL         time.Duration
	RESTMaxRetries        int
	RESTBackoffBase       time.Duration

	// Dedup window for risk events (§4.3)
	RiskEventDedupWindow time.Duration

	// Metrics
	MetricsAddr string

	Debug bool
}

// Load reads Config from the environment, applying defaults the way the
// teacher's Config.Load does.
func Load() (*Config, error) {
	cfg := &Config{
		ExecutionMode: Mode(getEnv("EXECUTION_MODE", string(ModePaper))),

		RiskPct:           getEnvDecimal("RISK_PCT", decimal.NewFromFloat(0.005)),
		Leverage:          getEnvDecimal("LEVERAGE", decimal.NewFromInt(5)),
		MarginMode:        MarginMode(getEnv("MARGIN_MODE", string(MarginIsolated))),
		MinOrderValueUSDT: getEnvDecimal("MIN_ORDER_VALUE_USDT", decimal.NewFromInt(5)),
		MaxOrderValueUSDT: getEnvDecimal("MAX_ORDER_VALUE_USDT", decimal.NewFromInt(5000)),

		MaxOpenPositions:   getEnvInt("MAX_OPEN_POSITIONS", 5),
		MutexUpgradeAction: types.UpgradeAction(getEnv("POSITION_MUTEX_UPGRADE_ACTION", string(types.UpgradeBlock))),
		CooldownEnabled:    getEnvBool("COOLDOWN_ENABLED", true),
		CooldownBars1h:     getEnvInt("COOLDOWN_BARS_1H", 3),
		CooldownBars4h:     getEnvInt("COOLDOWN_BARS_4H", 2),
		CooldownBars1d:     getEnvInt("COOLDOWN_BARS_1D", 1),

		EntryOrderType:            types.OrderType(getEnv("EXECUTION_ENTRY_ORDER_TYPE", string(types.OrderTypeLimit))),
		EntryTimeoutMs:            getEnvInt64("EXECUTION_ENTRY_TIMEOUT_MS", 15000),
		EntryPartialFillTimeoutMs: getEnvInt64("EXECUTION_ENTRY_PARTIAL_FILL_TIMEOUT_MS", 20000),
		EntryMaxRetries:           getEnvInt("EXECUTION_ENTRY_MAX_RETRIES", 2),
		EntryRepriceBps:           getEnvInt64("EXECUTION_ENTRY_REPRICE_BPS", 5),
		EntryFallbackMarket:       getEnvBool("EXECUTION_ENTRY_FALLBACK_MARKET", true),

		RunnerTrailMode:      types.TrailMode(getEnv("RUNNER_TRAIL_MODE", string(types.TrailModeATR))),
		SecondaryRuleEnabled: getEnvBool("SECONDARY_RULE_ENABLED", false),

		AccountKillSwitchEnabled: getEnvBool("ACCOUNT_KILL_SWITCH_ENABLED", true),
		AccountKillSwitchForceOn: getEnvBool("ACCOUNT_KILL_SWITCH_FORCE_ON", false),
		DailyLossLimitPct:        getEnvDecimal("DAILY_LOSS_LIMIT_PCT", decimal.NewFromFloat(0.05)),
		RiskCircuitEnabled:       getEnvBool("RISK_CIRCUIT_ENABLED", true),
		DailyDrawdownSoftPct:     getEnvDecimal("DAILY_DRAWDOWN_SOFT_PCT", decimal.NewFromFloat(0.05)),
		DailyDrawdownHardPct:     getEnvDecimal("DAILY_DRAWDOWN_HARD_PCT", decimal.NewFromFloat(0.10)),

		ConsistencyDriftEnabled:      getEnvBool("CONSISTENCY_DRIFT_ENABLED", true),
		ConsistencyDriftThresholdPct: getEnvDecimal("CONSISTENCY_DRIFT_THRESHOLD_PCT", decimal.NewFromFloat(0.10)),
		ConsistencyDriftWindow:       getEnvDuration("CONSISTENCY_DRIFT_WINDOW_MS", 5*time.Minute),

		PrivateWSEnabled:   getEnvBool("PRIVATE_WS_ENABLED", true),
		PrivateWSURL:       getEnv("PRIVATE_WS_URL", "wss://stream.bybit.com/v5/private"),
		PrivateWSSubscribe: []string{"order", "execution", "position", "wallet"},

		ReconcilePollInterval:   getEnvDuration("RECONCILE_POLL_INTERVAL_MS", 5*time.Second),
		PositionSyncInterval:    getEnvDuration("POSITION_SYNC_INTERVAL_MS", 10*time.Second),
		OrderTimeoutAlertWindow: getEnvDuration("ORDER_TIMEOUT_ALERT_WINDOW_MS", 30*time.Second),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "data/execcore.db"),

		VenueBaseURL:   getEnv("VENUE_BASE_URL", "https://api.bybit.com"),
		VenueAPIKey:    os.Getenv("VENUE_API_KEY"),
		VenueAPISecret: os.Getenv("VENUE_API_SECRET"),

		RateLimitOrderBurst:   getEnvFloat("RATE_LIMIT_ORDER_BURST", 100),
		RateLimitOrderPerSec:  getEnvFloat("RATE_LIMIT_ORDER_PER_SEC", 10),
		RateLimitCancelBurst:  getEnvFloat("RATE_LIMIT_CANCEL_BURST", 100),
		RateLimitCancelPerSec: getEnvFloat("RATE_LIMIT_CANCEL_PER_SEC", 10),
		RateLimitQueryBurst:   getEnvFloat("RATE_LIMIT_QUERY_BURST", 120),
		RateLimitQueryPerSec:  getEnvFloat("RATE_LIMIT_QUERY_PER_SEC", 20),
		QueryCacheTTL:         getEnvDuration("QUERY_CACHE_TTL_MS", 2*time.Second),
		RESTMaxRetries:        getEnvInt("REST_MAX_RETRIES", 3),
		RESTBackoffBase:       getEnvDuration("REST_BACKOFF_BASE_MS", 250*time.Millisecond),

		RiskEventDedupWindow: getEnvDuration("RISK_EVENT_DEDUP_WINDOW_MS", 5*time.Minute),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		Debug: getEnvBool("DEBUG", false),
	}

	if cfg.ExecutionMode == ModeLive && cfg.VenueAPIKey == "" {
		return nil, fmt.Errorf("VENUE_API_KEY is required in LIVE mode")
	}

	return cfg, nil
}

// CooldownBars returns the configured cooldown length for a timeframe.
func (c *Config) CooldownBars(tf types.Timeframe) int {
	switch tf {
	case types.Timeframe1h:
		return c.CooldownBars1h
	case types.Timeframe4h:
		return c.CooldownBars4h
	case types.Timeframe1d:
		return c.CooldownBars1d
	default:
		return 0
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(msKey string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(msKey); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return defaultValue
}
