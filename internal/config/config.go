// Package config defines all configuration for the simulation server.
// Everything is environment-driven (the literal variable names below, no
// prefix), with defaults for every knob except the four required secrets.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Required. Validate() fails without these; the process exits with
	// code 1 (fatal init).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	APISecret   string `mapstructure:"API_SECRET"`

	HTTPPort int    `mapstructure:"HTTP_PORT"`
	DataDir  string `mapstructure:"DATA_DIR"`

	Logging LoggingConfig `mapstructure:",squash"`
	Tick    TickConfig    `mapstructure:",squash"`
	Limits  LimitsConfig  `mapstructure:",squash"`
	Webhook WebhookConfig `mapstructure:",squash"`
	Flags   FeatureFlags  `mapstructure:",squash"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

// TickConfig holds the logical-clock timing constants.
//
//   - TickIntervalMs: wall-clock interval between ticks in driven mode.
//   - TicksPerTradingDay: a trading day; previousClose/open rotate here.
//   - TicksAfterHours: ticks appended to each day with the market closed.
//   - MarketOpenTick/MarketCloseTick: intra-day open window boundaries.
//   - ReplayHorizonTicks: how many TickEventRecords are retained for
//     reconnect replay.
type TickConfig struct {
	TickIntervalMs     int   `mapstructure:"TICK_INTERVAL_MS"`
	TicksPerTradingDay int64 `mapstructure:"TICKS_PER_TRADING_DAY"`
	TicksAfterHours    int64 `mapstructure:"TICKS_AFTER_HOURS"`
	MarketOpenTick     int64 `mapstructure:"MARKET_OPEN_TICK"`
	MarketCloseTick    int64 `mapstructure:"MARKET_CLOSE_TICK"`
	ReplayHorizonTicks int64 `mapstructure:"REPLAY_HORIZON_TICKS"`
}

// Interval returns the driven-mode tick interval.
func (t TickConfig) Interval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

// LimitsConfig bounds order validation and margin math.
type LimitsConfig struct {
	MaxOrderQuantity  int64   `mapstructure:"MAX_ORDER_QUANTITY"`
	MinOrderQuantity  int64   `mapstructure:"MIN_ORDER_QUANTITY"`
	MinPrice          float64 `mapstructure:"MIN_PRICE"`
	MaxPrice          float64 `mapstructure:"MAX_PRICE"`
	MaxLeverage       float64 `mapstructure:"MAX_LEVERAGE"`
	MarginRequirement float64 `mapstructure:"DEFAULT_MARGIN_REQUIREMENT"`
	ActionsPerRequest int     `mapstructure:"MAX_ACTIONS_PER_REQUEST"`
	ActionsPerSecond  float64 `mapstructure:"ACTIONS_PER_SECOND"`
	ActionsBurst      float64 `mapstructure:"ACTIONS_BURST"`
}

// WebhookConfig tunes outbound delivery.
type WebhookConfig struct {
	TimeoutMs        int `mapstructure:"WEBHOOK_TIMEOUT_MS"`
	Workers          int `mapstructure:"WEBHOOK_WORKERS"`
	FailureThreshold int `mapstructure:"WEBHOOK_FAILURE_THRESHOLD"`
	SuccessThreshold int `mapstructure:"WEBHOOK_SUCCESS_THRESHOLD"`
	RecoveryTimeMs   int `mapstructure:"WEBHOOK_RECOVERY_TIME_MS"`
}

// Timeout returns the per-request hard timeout.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// RecoveryTime returns how long an open circuit waits before half-open.
func (w WebhookConfig) RecoveryTime() time.Duration {
	return time.Duration(w.RecoveryTimeMs) * time.Millisecond
}

// FeatureFlags gate optional collaborators.
type FeatureFlags struct {
	AINews         bool `mapstructure:"ENABLE_AI_NEWS"`
	ExternalMarket bool `mapstructure:"ENABLE_EXTERNAL_MARKET_DATA"`
	Stepped        bool `mapstructure:"STEPPED_MODE"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	defaults := map[string]any{
		"HTTP_PORT":                  8080,
		"DATA_DIR":                   "data",
		"LOG_LEVEL":                  "info",
		"LOG_FORMAT":                 "json",
		"TICK_INTERVAL_MS":           1000,
		"TICKS_PER_TRADING_DAY":      390,
		"TICKS_AFTER_HOURS":          30,
		"MARKET_OPEN_TICK":           0,
		"MARKET_CLOSE_TICK":          390,
		"REPLAY_HORIZON_TICKS":       1000,
		"MAX_ORDER_QUANTITY":         1_000_000,
		"MIN_ORDER_QUANTITY":         1,
		"MIN_PRICE":                  0.01,
		"MAX_PRICE":                  1_000_000.0,
		"MAX_LEVERAGE":               10.0,
		"DEFAULT_MARGIN_REQUIREMENT": 0.5,
		"MAX_ACTIONS_PER_REQUEST":    10,
		"ACTIONS_PER_SECOND":         5.0,
		"ACTIONS_BURST":              20.0,
		"WEBHOOK_TIMEOUT_MS":         5000,
		"WEBHOOK_WORKERS":            16,
		"WEBHOOK_FAILURE_THRESHOLD":  5,
		"WEBHOOK_SUCCESS_THRESHOLD":  2,
		"WEBHOOK_RECOVERY_TIME_MS":   30000,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Bind explicitly: AutomaticEnv alone doesn't surface unset keys to
	// Unmarshal when no config file is loaded.
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "JWT_SECRET", "API_SECRET",
		"ENABLE_AI_NEWS", "ENABLE_EXTERNAL_MARKET_DATA", "STEPPED_MODE",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// minSecretLen is the floor for JWT_SECRET and API_SECRET.
const minSecretLen = 32

// Validate checks required fields and value ranges. Any error here is a
// fatal-init condition.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLen)
	}
	if len(c.APISecret) < minSecretLen {
		return fmt.Errorf("API_SECRET must be at least %d characters", minSecretLen)
	}
	if strings.TrimSpace(c.JWTSecret) != c.JWTSecret {
		return fmt.Errorf("JWT_SECRET must not have leading/trailing whitespace")
	}
	if c.Tick.TickIntervalMs <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS must be > 0")
	}
	if c.Tick.TicksPerTradingDay <= 0 {
		return fmt.Errorf("TICKS_PER_TRADING_DAY must be > 0")
	}
	if c.Tick.MarketCloseTick <= c.Tick.MarketOpenTick {
		return fmt.Errorf("MARKET_CLOSE_TICK must be > MARKET_OPEN_TICK")
	}
	if c.Tick.ReplayHorizonTicks <= 0 {
		return fmt.Errorf("REPLAY_HORIZON_TICKS must be > 0")
	}
	if c.Limits.MinOrderQuantity < 1 {
		return fmt.Errorf("MIN_ORDER_QUANTITY must be >= 1")
	}
	if c.Limits.MaxOrderQuantity < c.Limits.MinOrderQuantity {
		return fmt.Errorf("MAX_ORDER_QUANTITY must be >= MIN_ORDER_QUANTITY")
	}
	if c.Limits.MinPrice <= 0 || c.Limits.MaxPrice <= c.Limits.MinPrice {
		return fmt.Errorf("price bounds invalid: MIN_PRICE=%v MAX_PRICE=%v", c.Limits.MinPrice, c.Limits.MaxPrice)
	}
	if c.Limits.MaxLeverage <= 0 {
		return fmt.Errorf("MAX_LEVERAGE must be > 0")
	}
	if c.Limits.MarginRequirement <= 0 || c.Limits.MarginRequirement > 1 {
		return fmt.Errorf("DEFAULT_MARGIN_REQUIREMENT must be in (0, 1]")
	}
	if c.Webhook.Workers <= 0 {
		return fmt.Errorf("WEBHOOK_WORKERS must be > 0")
	}
	if c.Webhook.FailureThreshold <= 0 || c.Webhook.SuccessThreshold <= 0 {
		return fmt.Errorf("webhook breaker thresholds must be > 0")
	}
	return nil
}
