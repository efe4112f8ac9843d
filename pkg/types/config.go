// Package types provides configuration types for the backtester.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig represents the configuration for a simulation run.
type BacktestConfig struct {
	ID                     string          `json:"id"`
	InitialCapital         decimal.Decimal `json:"initialCapital"`
	MaxPositions           int             `json:"maxPositions"`
	Params                 ParameterSet    `json:"params"`
	MAShortWindow          int             `json:"maShortWindow"`
	MALongWindow           int             `json:"maLongWindow"`
	MarketBullishThreshold decimal.Decimal `json:"marketBullishThreshold"`
	StartDate              time.Time       `json:"startDate"`
	EndDate                time.Time       `json:"endDate"`
	Categories             []string        `json:"categories"`
}

// WalkForwardConfig represents walk-forward analysis configuration.
type WalkForwardConfig struct {
	NSplits              int            `json:"nSplits"`
	Grid                 []ParameterSet `json:"grid"`
	MonteCarloIterations int            `json:"monteCarloIterations"`
	Workers              int            `json:"workers"`
}

// ServerConfig represents API server configuration.
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	WebSocketPath string        `json:"websocketPath"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics"`
}

// DefaultBacktestConfig returns the tuned production configuration:
// fifteen concurrent positions, a 7% hard stop, a 20% trailing stop and a
// deep 0.95 dip threshold over the small/mid-cap universe.
func DefaultBacktestConfig() *BacktestConfig {
	return &BacktestConfig{
		InitialCapital:         decimal.NewFromInt(3_000_000),
		MaxPositions:           15,
		Params:                 DefaultParameterSet(),
		MAShortWindow:          25,
		MALongWindow:           75,
		MarketBullishThreshold: decimal.NewFromFloat(0.40),
		StartDate:              time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		Categories:             []string{"TOPIX Small 1", "TOPIX Small 2", "TOPIX Mid400"},
	}
}

// DefaultParameterSet returns the tuned strategy knobs.
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		DipThreshold:    decimal.NewFromFloat(0.95),
		StopLossPct:     decimal.NewFromFloat(0.07),
		TrailingStopPct: decimal.NewFromFloat(0.20),
	}
}

// DefaultParameterGrid returns the fixed in-sample optimization grid.
// Order matters: the first candidate wins score ties.
func DefaultParameterGrid() []ParameterSet {
	return []ParameterSet{
		{DipThreshold: decimal.NewFromFloat(0.98), StopLossPct: decimal.NewFromFloat(0.10), TrailingStopPct: decimal.NewFromFloat(0.10)},
		{DipThreshold: decimal.NewFromFloat(0.95), StopLossPct: decimal.NewFromFloat(0.10), TrailingStopPct: decimal.NewFromFloat(0.15)},
		{DipThreshold: decimal.NewFromFloat(1.00), StopLossPct: decimal.NewFromFloat(0.08), TrailingStopPct: decimal.NewFromFloat(0.10)},
		{DipThreshold: decimal.NewFromFloat(0.97), StopLossPct: decimal.NewFromFloat(0.12), TrailingStopPct: decimal.NewFromFloat(0.12)},
	}
}

// DefaultWalkForwardConfig returns walk-forward defaults.
func DefaultWalkForwardConfig() *WalkForwardConfig {
	return &WalkForwardConfig{
		NSplits: 5,
		Grid:    DefaultParameterGrid(),
		Workers: 4,
	}
}

// DefaultServerConfig returns API server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:          "localhost",
		Port:          8080,
		WebSocketPath: "/ws",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		EnableMetrics: true,
	}
}
