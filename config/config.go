package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration. It is read once at startup;
// hot-reload is not supported.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Exits     ExitConfig      `mapstructure:"exits"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BrokerConfig holds venue credentials and the resilience chain tuning.
type BrokerConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
	Paper     bool   `mapstructure:"paper"`

	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitTimeout   time.Duration `mapstructure:"rate_limit_timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	BreakerWindow      int           `mapstructure:"breaker_window"`
	BreakerThreshold   float64       `mapstructure:"breaker_threshold"`
	BreakerOpenFor     time.Duration `mapstructure:"breaker_open_for"`
	BreakerProbes      int           `mapstructure:"breaker_probes"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
}

// TradingConfig holds the orchestrator and entry tuning.
type TradingConfig struct {
	// SimulationMode short-circuits order submission while keeping every
	// decision path live. It is the only test-mode toggle.
	SimulationMode bool `mapstructure:"simulation_mode"`

	TickInterval     time.Duration `mapstructure:"tick_interval"`
	Venues           []string      `mapstructure:"venues"`
	FanOutLimit      int           `mapstructure:"fan_out_limit"`
	MarketProxy      string        `mapstructure:"market_proxy"`
	VolProxy         string        `mapstructure:"vol_proxy"`
	BreadthBasket    []string      `mapstructure:"breadth_basket"`
	MinTimeframes    int           `mapstructure:"min_timeframes_aligned"`
	OrderCooldown    time.Duration `mapstructure:"order_cooldown"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
}

// WatchlistConfig bounds the active symbol set.
type WatchlistConfig struct {
	Capacity int           `mapstructure:"capacity"`
	Universe []string      `mapstructure:"universe"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// RiskConfig holds sizing limits and account-level guards.
type RiskConfig struct {
	RiskPerTrade   float64 `mapstructure:"risk_per_trade"`
	StopLossPct    float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct  float64 `mapstructure:"take_profit_pct"`
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
	ReservePct     float64 `mapstructure:"reserve_pct"`
	MaxDrawdown    float64 `mapstructure:"max_drawdown"`
	MaxPositions   int     `mapstructure:"max_positions"`
	PDTEnabled     bool    `mapstructure:"pdt_enabled"`
	WholeShares    bool    `mapstructure:"whole_shares"`
}

// ExitConfig tunes the exit strategy engine.
type ExitConfig struct {
	MaxHoldHours      float64 `mapstructure:"max_hold_hours"`
	MinHoldHours      float64 `mapstructure:"min_hold_hours"`
	MaxCorrelated     int     `mapstructure:"max_correlated"`
	VelocityThreshold float64 `mapstructure:"velocity_threshold"`
	EODLockTime       string  `mapstructure:"eod_lock_time"` // "15:45" New York local
	PDTExitFraction   float64 `mapstructure:"pdt_exit_fraction"`
}

// HeartbeatConfig holds per-component liveness timeouts.
type HeartbeatConfig struct {
	CheckInterval time.Duration            `mapstructure:"check_interval"`
	Timeouts      map[string]time.Duration `mapstructure:"timeouts"`
}

// ServerConfig holds the control surface listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.rate_limit_per_minute", 200)
	v.SetDefault("broker.rate_limit_timeout", 5*time.Second)
	v.SetDefault("broker.retry_attempts", 3)
	v.SetDefault("broker.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("broker.breaker_window", 10)
	v.SetDefault("broker.breaker_threshold", 0.5)
	v.SetDefault("broker.breaker_open_for", 60*time.Second)
	v.SetDefault("broker.breaker_probes", 3)
	v.SetDefault("broker.read_timeout", 10*time.Second)
	v.SetDefault("broker.write_timeout", 30*time.Second)
	v.SetDefault("broker.paper", true)

	v.SetDefault("trading.simulation_mode", true)
	v.SetDefault("trading.tick_interval", 10*time.Second)
	v.SetDefault("trading.venues", []string{"stocks"})
	v.SetDefault("trading.fan_out_limit", 64)
	v.SetDefault("trading.market_proxy", "SPY")
	v.SetDefault("trading.vol_proxy", "SVXY")
	v.SetDefault("trading.breadth_basket", []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA", "JPM"})
	v.SetDefault("trading.min_timeframes_aligned", 2)
	v.SetDefault("trading.order_cooldown", 5*time.Second)
	v.SetDefault("trading.rotation_interval", 5*time.Minute)

	v.SetDefault("watchlist.capacity", 10)
	v.SetDefault("watchlist.cooldown", 30*time.Minute)

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.stop_loss_pct", 0.02)
	v.SetDefault("risk.take_profit_pct", 0.04)
	v.SetDefault("risk.max_position_pct", 0.20)
	v.SetDefault("risk.reserve_pct", 0.25)
	v.SetDefault("risk.max_drawdown", 0.10)
	v.SetDefault("risk.max_positions", 5)
	v.SetDefault("risk.pdt_enabled", true)

	v.SetDefault("exits.max_hold_hours", 48.0)
	v.SetDefault("exits.min_hold_hours", 1.0)
	v.SetDefault("exits.max_correlated", 3)
	v.SetDefault("exits.velocity_threshold", 0.5)
	v.SetDefault("exits.eod_lock_time", "15:45")
	v.SetDefault("exits.pdt_exit_fraction", 0.5)

	v.SetDefault("heartbeat.check_interval", 30*time.Second)
	v.SetDefault("heartbeat.timeouts", map[string]time.Duration{
		"stocks_loop": 300 * time.Second,
		"watchlist":   900 * time.Second,
	})

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", false)
}

// Load reads configuration from the optional file path plus ENGINE_* env vars.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with. Config errors
// are fatal at startup only.
func (c *Config) Validate() error {
	if c.Trading.TickInterval <= 0 {
		return fmt.Errorf("trading.tick_interval must be positive")
	}
	if c.Watchlist.Capacity <= 0 {
		return fmt.Errorf("watchlist.capacity must be positive")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("risk.risk_per_trade must be in (0,1)")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct must be in (0,1)")
	}
	if c.Risk.ReservePct < 0 || c.Risk.ReservePct >= 1 {
		return fmt.Errorf("risk.reserve_pct must be in [0,1)")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0,1)")
	}
	if c.Broker.RateLimitPerMinute <= 0 {
		return fmt.Errorf("broker.rate_limit_per_minute must be positive")
	}
	if _, err := time.Parse("15:04", c.Exits.EODLockTime); err != nil {
		return fmt.Errorf("exits.eod_lock_time: %w", err)
	}
	if len(c.Trading.Venues) == 0 {
		return fmt.Errorf("trading.venues must name at least one venue")
	}
	return nil
}
