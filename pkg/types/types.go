// Package types provides shared type definitions for the backtester.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason identifies which exit rule closed a position.
type ExitReason string

const (
	ExitStopLoss ExitReason = "StopLoss"
	ExitTrailing ExitReason = "Trailing"
)

// PriceBar is one daily OHLCV record for one instrument.
// Bars are uniquely keyed by (Date, Code) and immutable once loaded.
type PriceBar struct {
	Date     time.Time       `json:"date"`
	Code     string          `json:"code"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Category string          `json:"category,omitempty"`
}

// IndicatorRow is a PriceBar with rolling-average fields attached.
// MAShort/MALong are meaningful only while the matching Valid flag is set;
// an invalid average must never feed trend, signal or ranking logic.
type IndicatorRow struct {
	PriceBar
	MAShort    decimal.Decimal `json:"maShort"`
	MALong     decimal.Decimal `json:"maLong"`
	ShortValid bool            `json:"shortValid"`
	LongValid  bool            `json:"longValid"`
}

// GCTrend reports whether the short average is above the long average.
// ok is false while either average is still undefined.
func (r *IndicatorRow) GCTrend() (trend, ok bool) {
	if !r.ShortValid || !r.LongValid {
		return false, false
	}
	return r.MAShort.GreaterThan(r.MALong), true
}

// Bullish reports whether the close is above the long average.
// ok is false while the long average is still undefined.
func (r *IndicatorRow) Bullish() (bullish, ok bool) {
	if !r.LongValid {
		return false, false
	}
	return r.Close.GreaterThan(r.MALong), true
}

// ParameterSet holds the tunable strategy knobs. Immutable per run.
type ParameterSet struct {
	DipThreshold    decimal.Decimal `json:"dipThreshold"`
	StopLossPct     decimal.Decimal `json:"stopLossPct"`
	TrailingStopPct decimal.Decimal `json:"trailingStopPct"`
}

// Position is one open holding. Exactly one position per instrument
// may be open at a time.
type Position struct {
	Code         string          `json:"code"`
	EntryDate    time.Time       `json:"entryDate"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	HighestPrice decimal.Decimal `json:"highestPrice"`
	Quantity     int64           `json:"quantity"`
}

// Trade is one closed round trip. Appended once per closed position;
// immutable afterwards. Trades carry no synthetic ID so that identical
// inputs reproduce identical trade logs.
type Trade struct {
	Code       string          `json:"code"`
	EntryDate  time.Time       `json:"entryDate"`
	ExitDate   time.Time       `json:"exitDate"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	Quantity   int64           `json:"quantity"`
	ReturnPct  decimal.Decimal `json:"returnPct"`
	ExitReason ExitReason      `json:"exitReason"`
	Split      int             `json:"split,omitempty"`
}

// HoldingDays returns the calendar days between entry and exit.
func (t *Trade) HoldingDays() float64 {
	return t.ExitDate.Sub(t.EntryDate).Hours() / 24
}

// EquityPoint is one point on the simulated equity curve.
type EquityPoint struct {
	Date   time.Time       `json:"date"`
	Equity decimal.Decimal `json:"equity"`
	Cash   decimal.Decimal `json:"cash"`
}

// KPIReport is the aggregate performance summary of a run.
type KPIReport struct {
	TotalTrades int             `json:"totalTrades"`
	AvgReturn   decimal.Decimal `json:"avgReturn"`
	WinRate     decimal.Decimal `json:"winRate"`
	MaxDrawdown decimal.Decimal `json:"maxDrawdown"`
	CAGR        decimal.Decimal `json:"cagr"`
}

// WalkForwardSplit is one train/test window pair. Splits are contiguous:
// TestStart always equals TrainEnd, and test[i] starts where train[i+1] starts.
type WalkForwardSplit struct {
	Index      int       `json:"index"`
	TrainStart time.Time `json:"trainStart"`
	TrainEnd   time.Time `json:"trainEnd"`
	TestStart  time.Time `json:"testStart"`
	TestEnd    time.Time `json:"testEnd"`
}

// SplitResult holds the outcome of one walk-forward split.
type SplitResult struct {
	Split      WalkForwardSplit `json:"split"`
	BestParams ParameterSet     `json:"bestParams"`
	TrainScore decimal.Decimal  `json:"trainScore"`
	TestTrades int              `json:"testTrades"`
}

// WalkForwardResult aggregates every out-of-sample split.
type WalkForwardResult struct {
	Splits      []SplitResult     `json:"splits"`
	Trades      []Trade           `json:"trades"`
	KPI         KPIReport         `json:"kpi"`
	MonteCarlo  *MonteCarloResult `json:"monteCarlo,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	Duration    time.Duration     `json:"duration"`
}

// SimulationResult is the output of one full portfolio simulation.
type SimulationResult struct {
	ID            string        `json:"id"`
	Trades        []Trade       `json:"trades"`
	EquityCurve   []EquityPoint `json:"equityCurve"`
	KPI           KPIReport     `json:"kpi"`
	DaysSimulated int           `json:"daysSimulated"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
	Duration      time.Duration `json:"duration"`
}

// MonteCarloResult summarizes a trade-resampling validation run.
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
}

// SignalCandidate is one ranked entry candidate from a daily scan.
type SignalCandidate struct {
	Code     string          `json:"code"`
	Date     time.Time       `json:"date"`
	Close    decimal.Decimal `json:"close"`
	MAShort  decimal.Decimal `json:"maShort"`
	DipRatio decimal.Decimal `json:"dipRatio"`
}

// ScanReport is the output of a daily signal scan.
type ScanReport struct {
	Date        time.Time         `json:"date"`
	Universe    int               `json:"universe"`
	Bullish     int               `json:"bullish"`
	Breadth     decimal.Decimal   `json:"breadth"`
	AllowEntry  bool              `json:"allowEntry"`
	Candidates  []SignalCandidate `json:"candidates"`
	GeneratedAt time.Time         `json:"generatedAt"`
}
