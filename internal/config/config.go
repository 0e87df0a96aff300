// Package config provides configuration management for the execution bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultAutoStopPct is applied when an entry alert carries no stop.
	defaultAutoStopPct = 25.0
	// defaultRiskRewardRatio derives a target from the stop distance when
	// no targets are given.
	defaultRiskRewardRatio = 2.0
	// defaultFillTimeout bounds how long an order submission waits for a fill.
	defaultFillTimeout = 30 * time.Second
	// defaultPollInterval is the order-status polling cadence.
	defaultPollInterval = 1 * time.Second
	// defaultReconcileInterval is the periodic broker reconciliation cadence.
	defaultReconcileInterval = 2 * time.Minute
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Risk        RiskConfig        `yaml:"risk"`
	Journal     JournalConfig     `yaml:"journal"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker connection settings.
type BrokerConfig struct {
	Provider       string  `yaml:"provider"`
	AccountID      string  `yaml:"account_id"`
	PaperBalance   float64 `yaml:"paper_balance"`   // starting cash in paper mode
	ReconnectMax   string  `yaml:"reconnect_max"`   // max reconnect backoff
	CircuitBreaker bool    `yaml:"circuit_breaker"` // wrap broker calls with a breaker
}

// ScheduleConfig defines the trading window.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"`       // e.g. "America/New_York"
	TradingStart      string `yaml:"trading_start"`  // "HH:MM"
	TradingEnd        string `yaml:"trading_end"`    // "HH:MM"
	EODLiquidation    bool   `yaml:"eod_liquidation"`
	ReconcileInterval string `yaml:"reconcile_interval"`
}

// ExecutionConfig defines order handling parameters.
type ExecutionConfig struct {
	OrderType    string  `yaml:"order_type"`   // market | limit
	SlippagePct  float64 `yaml:"slippage_pct"` // limit band above alert price
	FillTimeout  string  `yaml:"fill_timeout"`
	PollInterval string  `yaml:"poll_interval"`
	MaxRetries   int     `yaml:"max_retries"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	MaxContracts           int     `yaml:"max_contracts"`
	MaxAdds                int     `yaml:"max_adds"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"` // dollars
	MaxLossStreak          int     `yaml:"max_loss_streak"`
	RiskPerTradePct        float64 `yaml:"risk_per_trade_pct"`
	HighRiskSizeReduction  float64 `yaml:"high_risk_size_reduction"`
	ExtremeRiskReduction   float64 `yaml:"extreme_risk_size_reduction"`
	AutoStopPct            float64 `yaml:"auto_stop_pct"`
	RiskRewardRatio        float64 `yaml:"risk_reward_ratio"`
}

// JournalConfig defines the write-only trade journal settings.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the status endpoint settings.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	switch c.Execution.OrderType {
	case "market", "limit":
	default:
		return fmt.Errorf("execution.order_type must be 'market' or 'limit'")
	}
	if c.Execution.SlippagePct < 0 || c.Execution.SlippagePct > 0.5 {
		return fmt.Errorf("execution.slippage_pct must be in [0, 0.5]")
	}
	if _, err := time.ParseDuration(c.Execution.FillTimeout); err != nil {
		return fmt.Errorf("execution.fill_timeout invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Execution.PollInterval); err != nil {
		return fmt.Errorf("execution.poll_interval invalid: %w", err)
	}
	if c.Execution.MaxRetries < 0 || c.Execution.MaxRetries > 10 {
		return fmt.Errorf("execution.max_retries must be in [0, 10]")
	}

	if c.Risk.MaxContracts <= 0 {
		return fmt.Errorf("risk.max_contracts must be > 0")
	}
	if c.Risk.MaxAdds < 0 {
		return fmt.Errorf("risk.max_adds must be >= 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxLossStreak <= 0 {
		return fmt.Errorf("risk.max_loss_streak must be > 0")
	}
	if c.Risk.AutoStopPct <= 0 || c.Risk.AutoStopPct >= 100 {
		return fmt.Errorf("risk.auto_stop_pct must be in (0, 100)")
	}
	if c.Risk.RiskRewardRatio <= 0 {
		return fmt.Errorf("risk.risk_reward_ratio must be > 0")
	}
	if c.Risk.RiskPerTradePct < 0 || c.Risk.RiskPerTradePct > 5 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in [0, 5]")
	}

	if _, err := time.ParseDuration(c.Schedule.ReconcileInterval); err != nil {
		return fmt.Errorf("schedule.reconcile_interval invalid: %w", err)
	}
	loc := c.location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}
	if c.Environment.Mode == "paper" && c.Broker.PaperBalance <= 0 {
		return fmt.Errorf("broker.paper_balance must be > 0 in paper mode")
	}
	if c.Broker.ReconnectMax != "" {
		if _, err := time.ParseDuration(c.Broker.ReconnectMax); err != nil {
			return fmt.Errorf("broker.reconnect_max invalid: %w", err)
		}
	}

	return nil
}

// normalize fills defaults for optional fields.
func (c *Config) normalize() {
	if c.Execution.FillTimeout == "" {
		c.Execution.FillTimeout = defaultFillTimeout.String()
	}
	if c.Execution.PollInterval == "" {
		c.Execution.PollInterval = defaultPollInterval.String()
	}
	if c.Execution.OrderType == "" {
		c.Execution.OrderType = "limit"
	}
	if c.Schedule.ReconcileInterval == "" {
		c.Schedule.ReconcileInterval = defaultReconcileInterval.String()
	}
	if c.Risk.AutoStopPct == 0 {
		c.Risk.AutoStopPct = defaultAutoStopPct
	}
	if c.Risk.RiskRewardRatio == 0 {
		c.Risk.RiskRewardRatio = defaultRiskRewardRatio
	}
	if c.Risk.HighRiskSizeReduction == 0 {
		c.Risk.HighRiskSizeReduction = 0.5
	}
	if c.Risk.ExtremeRiskReduction == 0 {
		c.Risk.ExtremeRiskReduction = 0.25
	}
	if c.Risk.MaxAdds == 0 {
		c.Risk.MaxAdds = 1
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// FillTimeout returns the parsed fill timeout.
func (c *Config) FillTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.FillTimeout)
	if err != nil {
		return defaultFillTimeout
	}
	return d
}

// PollInterval returns the parsed order-status poll interval.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Execution.PollInterval)
	if err != nil {
		return defaultPollInterval
	}
	return d
}

// ReconcileInterval returns the parsed reconciliation cadence.
func (c *Config) ReconcileInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.ReconcileInterval)
	if err != nil {
		return defaultReconcileInterval
	}
	return d
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingWindow checks if the given time falls within the
// configured trading window on a weekday.
func (c *Config) IsWithinTradingWindow(now time.Time) bool {
	loc := c.location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 45, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 15, 45, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
