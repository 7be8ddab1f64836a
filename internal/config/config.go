package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/smohantty/hyperliquid-trading-bot/internal/grid"
	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
)

// ErrValidation tags configuration errors so the entrypoint can map them
// to exit code 2.
var ErrValidation = errors.New("config validation")

const (
	StrategySpotGrid = "spot_grid"
	StrategyPerpGrid = "perp_grid"

	maxLeverage = 50
)

// StrategyConfig is the [strategy] table, tagged by Type.
type StrategyConfig struct {
	Type            string    `mapstructure:"type"`
	Symbol          string    `mapstructure:"symbol"`
	UpperPrice      float64   `mapstructure:"upper_price"`
	LowerPrice      float64   `mapstructure:"lower_price"`
	GridType        grid.Type `mapstructure:"grid_type"`
	GridCount       int       `mapstructure:"grid_count"`
	TotalInvestment float64   `mapstructure:"total_investment"`
	TriggerPrice    *float64  `mapstructure:"trigger_price"`

	// Perp-only fields.
	Leverage   int       `mapstructure:"leverage"`
	IsIsolated bool      `mapstructure:"is_isolated"`
	GridBias   grid.Bias `mapstructure:"grid_bias"`
}

// BroadcastConfig is the [broadcast] table for the snapshot WebSocket.
type BroadcastConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ExchangeConfig carries transport settings. The private key never lives
// in the TOML file; it is read from the environment.
type ExchangeConfig struct {
	Network        string `mapstructure:"network"` // "mainnet" or "testnet"
	AccountAddress string `mapstructure:"account_address"`
	PrivateKey     string `mapstructure:"-"`
}

// AuditConfig is the [audit] table for the order audit CSV.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// Config is the full bot configuration.
type Config struct {
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       logger.Config   `mapstructure:"log"`
	DBPath    string          `mapstructure:"db_path"`
}

// Load reads and validates a TOML config file. Credentials come from the
// environment (WALLET_PRIVATE_KEY, optional NETWORK override), typically
// via a .env loaded by the entrypoint.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("broadcast.enabled", true)
	v.SetDefault("broadcast.host", "0.0.0.0")
	v.SetDefault("broadcast.port", 9000)
	v.SetDefault("exchange.network", "mainnet")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("db_path", "data/botstate")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrValidation, path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrValidation, path, err)
	}

	cfg.Exchange.PrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	if network := os.Getenv("NETWORK"); network != "" {
		cfg.Exchange.Network = network
	}
	cfg.Exchange.Network = strings.ToLower(cfg.Exchange.Network)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural rules that make a strategy runnable.
func (c *Config) Validate() error {
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if c.Exchange.Network != "mainnet" && c.Exchange.Network != "testnet" {
		return fmt.Errorf("%w: unknown network %q", ErrValidation, c.Exchange.Network)
	}
	if c.Broadcast.Enabled && (c.Broadcast.Port <= 0 || c.Broadcast.Port > 65535) {
		return fmt.Errorf("%w: broadcast port %d out of range", ErrValidation, c.Broadcast.Port)
	}
	return nil
}

// Validate checks the strategy table.
func (s *StrategyConfig) Validate() error {
	switch s.Type {
	case StrategySpotGrid, StrategyPerpGrid:
	default:
		return fmt.Errorf("%w: unknown strategy type %q", ErrValidation, s.Type)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if s.LowerPrice <= 0 || s.UpperPrice <= s.LowerPrice {
		return fmt.Errorf("%w: require upper_price > lower_price > 0, got [%v, %v]",
			ErrValidation, s.LowerPrice, s.UpperPrice)
	}
	if s.GridCount < 3 {
		return fmt.Errorf("%w: grid_count must be >= 3, got %d", ErrValidation, s.GridCount)
	}
	if s.TotalInvestment <= 0 {
		return fmt.Errorf("%w: total_investment must be positive, got %v", ErrValidation, s.TotalInvestment)
	}
	switch s.GridType {
	case grid.Arithmetic, grid.Geometric:
	default:
		return fmt.Errorf("%w: grid_type must be arithmetic or geometric, got %q", ErrValidation, s.GridType)
	}
	if s.TriggerPrice != nil {
		if *s.TriggerPrice < s.LowerPrice || *s.TriggerPrice > s.UpperPrice {
			return fmt.Errorf("%w: trigger_price %v outside grid range [%v, %v]",
				ErrValidation, *s.TriggerPrice, s.LowerPrice, s.UpperPrice)
		}
	}
	if s.NotionalPerZone() < grid.MinNotionalValue {
		return fmt.Errorf("%w: investment per zone %.2f below exchange minimum %.2f; increase total_investment or decrease grid_count",
			ErrValidation, s.NotionalPerZone(), grid.MinNotionalValue)
	}

	if s.Type == StrategyPerpGrid {
		if s.Leverage < 1 || s.Leverage > maxLeverage {
			return fmt.Errorf("%w: leverage must be in [1, %d], got %d", ErrValidation, maxLeverage, s.Leverage)
		}
		switch s.GridBias {
		case grid.Long, grid.Short, grid.Neutral:
		default:
			return fmt.Errorf("%w: grid_bias must be long, short or neutral, got %q", ErrValidation, s.GridBias)
		}
	}
	return nil
}

// NotionalPerZone is the quote value assigned to each of the grid's
// count-1 zones. For perps this is margin, not notional.
func (s *StrategyConfig) NotionalPerZone() float64 {
	if s.GridCount < 2 {
		return 0
	}
	return s.TotalInvestment / float64(s.GridCount-1)
}

// ZoneCount is the number of zones the grid will manage.
func (s *StrategyConfig) ZoneCount() int {
	return s.GridCount - 1
}
