// Package config loads application configuration from file, environment
// and defaults, and converts it into the typed configs the engines use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/snowmoney/backtester/pkg/types"
)

// Config is the flat on-disk configuration. Monetary and ratio fields
// are plain floats here and converted to decimals at the engine
// boundary.
type Config struct {
	DatabasePath string `mapstructure:"database_path"`
	LogLevel     string `mapstructure:"log_level"`

	InitialCapital         float64  `mapstructure:"initial_capital"`
	MaxPositions           int      `mapstructure:"max_positions"`
	StopLossPct            float64  `mapstructure:"stop_loss_pct"`
	TrailingStopPct        float64  `mapstructure:"trailing_stop_pct"`
	DipThreshold           float64  `mapstructure:"dip_threshold"`
	MAShortWindow          int      `mapstructure:"ma_short_window"`
	MALongWindow           int      `mapstructure:"ma_long_window"`
	MarketBullishThreshold float64  `mapstructure:"market_bullish_threshold"`
	Categories             []string `mapstructure:"categories"`
	StartDate              string   `mapstructure:"start_date"`
	EndDate                string   `mapstructure:"end_date"`

	NSplits              int `mapstructure:"n_splits"`
	MonteCarloIterations int `mapstructure:"monte_carlo_iterations"`
	Workers              int `mapstructure:"workers"`

	Grid []GridEntry `mapstructure:"parameter_grid"`

	Server ServerConfig `mapstructure:"server"`
}

// GridEntry is one walk-forward parameter candidate as written in the
// config file. Grid order is preserved: earlier entries win score ties.
type GridEntry struct {
	DipThreshold    float64 `mapstructure:"dip_threshold"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	TrailingStopPct float64 `mapstructure:"trailing_stop_pct"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

const dateLayout = "2006-01-02"

// Load reads configuration from the named file (optional), environment
// variables prefixed BACKTEST_, and built-in defaults, in that order of
// precedence from highest to lowest within viper's merge rules.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BACKTEST")
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := types.DefaultBacktestConfig()

	v.SetDefault("database_path", "./prices.db")
	v.SetDefault("log_level", "info")

	v.SetDefault("initial_capital", def.InitialCapital.InexactFloat64())
	v.SetDefault("max_positions", def.MaxPositions)
	v.SetDefault("stop_loss_pct", def.Params.StopLossPct.InexactFloat64())
	v.SetDefault("trailing_stop_pct", def.Params.TrailingStopPct.InexactFloat64())
	v.SetDefault("dip_threshold", def.Params.DipThreshold.InexactFloat64())
	v.SetDefault("ma_short_window", def.MAShortWindow)
	v.SetDefault("ma_long_window", def.MALongWindow)
	v.SetDefault("market_bullish_threshold", def.MarketBullishThreshold.InexactFloat64())
	v.SetDefault("categories", def.Categories)

	wf := types.DefaultWalkForwardConfig()
	v.SetDefault("n_splits", wf.NSplits)
	v.SetDefault("monte_carlo_iterations", wf.MonteCarloIterations)
	v.SetDefault("workers", wf.Workers)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enable_metrics", true)
}

func (c *Config) validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive, got %v", c.InitialCapital)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", c.MaxPositions)
	}
	if c.MAShortWindow <= 0 || c.MALongWindow <= 0 {
		return fmt.Errorf("moving average windows must be positive, got %d/%d", c.MAShortWindow, c.MALongWindow)
	}
	if c.MAShortWindow >= c.MALongWindow {
		return fmt.Errorf("ma_short_window (%d) must be below ma_long_window (%d)", c.MAShortWindow, c.MALongWindow)
	}
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"stop_loss_pct", c.StopLossPct},
		{"trailing_stop_pct", c.TrailingStopPct},
		{"market_bullish_threshold", c.MarketBullishThreshold},
	} {
		if field.value < 0 || field.value > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", field.name, field.value)
		}
	}
	if c.DipThreshold <= 0 {
		return fmt.Errorf("dip_threshold must be positive, got %v", c.DipThreshold)
	}
	if _, err := c.parseDate(c.StartDate); err != nil {
		return fmt.Errorf("start_date: %w", err)
	}
	if _, err := c.parseDate(c.EndDate); err != nil {
		return fmt.Errorf("end_date: %w", err)
	}
	return nil
}

func (c *Config) parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

// BacktestConfig converts the loaded values into the engine config.
func (c *Config) BacktestConfig() *types.BacktestConfig {
	start, _ := c.parseDate(c.StartDate)
	end, _ := c.parseDate(c.EndDate)

	return &types.BacktestConfig{
		InitialCapital: decimal.NewFromFloat(c.InitialCapital),
		MaxPositions:   c.MaxPositions,
		Params: types.ParameterSet{
			DipThreshold:    decimal.NewFromFloat(c.DipThreshold),
			StopLossPct:     decimal.NewFromFloat(c.StopLossPct),
			TrailingStopPct: decimal.NewFromFloat(c.TrailingStopPct),
		},
		MAShortWindow:          c.MAShortWindow,
		MALongWindow:           c.MALongWindow,
		MarketBullishThreshold: decimal.NewFromFloat(c.MarketBullishThreshold),
		StartDate:              start,
		EndDate:                end,
		Categories:             append([]string(nil), c.Categories...),
	}
}

// WalkForwardConfig converts the loaded values into the optimizer
// config. An empty parameter_grid falls back to the default grid.
func (c *Config) WalkForwardConfig() *types.WalkForwardConfig {
	grid := types.DefaultParameterGrid()
	if len(c.Grid) > 0 {
		grid = make([]types.ParameterSet, len(c.Grid))
		for i, e := range c.Grid {
			grid[i] = types.ParameterSet{
				DipThreshold:    decimal.NewFromFloat(e.DipThreshold),
				StopLossPct:     decimal.NewFromFloat(e.StopLossPct),
				TrailingStopPct: decimal.NewFromFloat(e.TrailingStopPct),
			}
		}
	}

	return &types.WalkForwardConfig{
		NSplits:              c.NSplits,
		Grid:                 grid,
		MonteCarloIterations: c.MonteCarloIterations,
		Workers:              c.Workers,
	}
}
