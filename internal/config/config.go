// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via CRYPTO_TRADING_* environment variables, or from a
// base64-encoded YAML bundle in CRYPTO_TOOL_CONFIG_B64.
package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"tradeforge/pkg/types"
)

// ConfigBundleEnv carries a whole base64-encoded YAML config, used where
// mounting a file is impractical (CI, containers with env-only secrets).
const ConfigBundleEnv = "CRYPTO_TOOL_CONFIG_B64"

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Exchanges         map[string]ExchangeConfig `mapstructure:"exchanges"`
	Trading           TradingConfig             `mapstructure:"trading"`
	Monitoring        MonitoringConfig          `mapstructure:"monitoring"`
	State             StateConfig               `mapstructure:"state"`
	EnableLiveTrading bool                      `mapstructure:"enable_live_trading"`
	LogLevel          string                    `mapstructure:"log_level"`
	LogFormat         string                    `mapstructure:"log_format"`
}

// ExchangeConfig holds one venue's credentials and rate-limit settings.
type ExchangeConfig struct {
	APIKey          string `mapstructure:"api_key"`
	Secret          string `mapstructure:"secret"`
	Passphrase      string `mapstructure:"passphrase"`
	Sandbox         bool   `mapstructure:"sandbox"`
	RateLimit       int    `mapstructure:"rate_limit"` // requests per minute
	EnableRateLimit bool   `mapstructure:"enable_rate_limit"`
}

// TradingConfig selects what to trade and how.
type TradingConfig struct {
	Symbols        []string             `mapstructure:"symbols"`
	Strategies     []StrategyConfig     `mapstructure:"strategies"`
	PreferredVenue string               `mapstructure:"preferred_venue"`
	BaseCurrency   string               `mapstructure:"base_currency"`
	InitialCash    float64              `mapstructure:"initial_cash"`
	MaxPositions   int                  `mapstructure:"max_positions"`
	Risk           RiskManagementConfig `mapstructure:"risk_management"`
}

// StrategyConfig instantiates one strategy with its combiner weight.
type StrategyConfig struct {
	Name   string            `mapstructure:"name"`
	Weight float64           `mapstructure:"weight"`
	Params map[string]string `mapstructure:"params"`
}

// RiskManagementConfig sets the risk gate limits. Fractions are of
// account equity.
type RiskManagementConfig struct {
	MaxRiskPerTrade float64 `mapstructure:"max_risk_per_trade"`
	MaxPositionSize float64 `mapstructure:"max_position_size"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct   float64 `mapstructure:"take_profit_pct"`
	TrailingStopPct float64 `mapstructure:"trailing_stop_pct"`
	MaxDailyTrades  int     `mapstructure:"max_daily_trades"`
	MaxDrawdownPct  float64 `mapstructure:"max_drawdown_pct"`
}

// MonitoringConfig controls the metrics and health surface.
type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Endpoint string `mapstructure:"endpoint"`
}

type HealthConfig struct {
	LiveEndpoint  string `mapstructure:"live_endpoint"`
	ReadyEndpoint string `mapstructure:"ready_endpoint"`
}

// StateConfig sets where portfolio and outbox state is persisted.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads config from the YAML file at path, or from the
// CRYPTO_TOOL_CONFIG_B64 bundle when set. Any leaf is overridable via
// CRYPTO_TRADING_<UPPER__DOT__PATH> environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRYPTO_TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if blob := os.Getenv(ConfigBundleEnv); blob != "" {
		raw, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ConfigBundleEnv, err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("read config bundle: %w", err)
		}
	} else {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Trading: TradingConfig{
			BaseCurrency: "USDT",
			MaxPositions: 5,
			Risk: RiskManagementConfig{
				MaxRiskPerTrade: 0.02,
				MaxPositionSize: 0.2,
				StopLossPct:     0.02,
				TakeProfitPct:   0.04,
				MaxDailyTrades:  20,
				MaxDrawdownPct:  0.1,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{Host: "127.0.0.1", Port: 9090, Endpoint: "/metrics"},
			Health:  HealthConfig{LiveEndpoint: "/health/live", ReadyEndpoint: "/health/ready"},
		},
		State:     StateConfig{Dir: "data"},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must name at least one symbol")
	}
	for _, raw := range c.Trading.Symbols {
		if _, _, err := types.Symbol(raw).Parse(); err != nil {
			return fmt.Errorf("trading.symbols: %w", err)
		}
	}
	if len(c.Trading.Strategies) == 0 {
		return fmt.Errorf("trading.strategies must name at least one strategy")
	}
	for i, s := range c.Trading.Strategies {
		if s.Name == "" {
			return fmt.Errorf("trading.strategies[%d].name is required", i)
		}
		if s.Weight < 0 {
			return fmt.Errorf("trading.strategies[%d].weight must be >= 0", i)
		}
	}

	if c.Trading.PreferredVenue == "" {
		return fmt.Errorf("trading.preferred_venue is required")
	}
	if _, ok := c.Exchanges[c.Trading.PreferredVenue]; !ok {
		return fmt.Errorf("trading.preferred_venue %q has no exchanges entry", c.Trading.PreferredVenue)
	}
	if c.EnableLiveTrading {
		venue := c.Exchanges[c.Trading.PreferredVenue]
		if venue.APIKey == "" || venue.Secret == "" {
			return fmt.Errorf("enable_live_trading requires credentials for %q (set CRYPTO_TRADING_EXCHANGES__%s__API_KEY)",
				c.Trading.PreferredVenue, strings.ToUpper(c.Trading.PreferredVenue))
		}
	}

	r := c.Trading.Risk
	if r.MaxRiskPerTrade <= 0 || r.MaxRiskPerTrade > 1 {
		return fmt.Errorf("risk_management.max_risk_per_trade must be in (0, 1]")
	}
	if r.MaxPositionSize <= 0 || r.MaxPositionSize > 1 {
		return fmt.Errorf("risk_management.max_position_size must be in (0, 1]")
	}
	if r.StopLossPct <= 0 || r.StopLossPct >= 1 {
		return fmt.Errorf("risk_management.stop_loss_pct must be in (0, 1)")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk_management.max_drawdown_pct must be in (0, 1]")
	}
	if r.MaxDailyTrades <= 0 {
		return fmt.Errorf("risk_management.max_daily_trades must be > 0")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	return nil
}
