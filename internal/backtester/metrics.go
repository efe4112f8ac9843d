package backtester

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/snowmoney/backtester/pkg/types"
)

// tradingDaysPerYear is the annualization base for per-trade returns.
const tradingDaysPerYear = 252

// MetricsCalculator aggregates trades and equity curves into KPI reports.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a metrics calculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// TradeKPIs aggregates a set of closed trades: total count, mean return,
// win rate, the max drawdown of the cumulative per-trade return series and
// an annualized-return estimate scaled by the mean holding period. Drawdown
// is reported as cum minus running max, so the value is zero or negative.
func (mc *MetricsCalculator) TradeKPIs(trades []types.Trade) types.KPIReport {
	report := types.KPIReport{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return report
	}

	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExitDate.Equal(ordered[j].ExitDate) {
			return ordered[i].ExitDate.Before(ordered[j].ExitDate)
		}
		return ordered[i].Code < ordered[j].Code
	})

	var (
		sum        decimal.Decimal
		wins       int
		cum        decimal.Decimal
		runningMax decimal.Decimal
		maxDD      decimal.Decimal
		holdDays   float64
	)
	for i, t := range ordered {
		sum = sum.Add(t.ReturnPct)
		if t.ReturnPct.GreaterThan(decimal.Zero) {
			wins++
		}
		cum = cum.Add(t.ReturnPct)
		if i == 0 || cum.GreaterThan(runningMax) {
			runningMax = cum
		}
		if dd := cum.Sub(runningMax); dd.LessThan(maxDD) {
			maxDD = dd
		}
		holdDays += t.HoldingDays()
	}

	count := decimal.NewFromInt(int64(len(ordered)))
	report.AvgReturn = sum.Div(count)
	report.WinRate = decimal.NewFromInt(int64(wins)).Div(count)
	report.MaxDrawdown = maxDD

	meanHold := holdDays / float64(len(ordered))
	if meanHold > 0 {
		tradesPerYear := tradingDaysPerYear / meanHold
		report.CAGR = report.AvgReturn.Mul(decimal.NewFromFloat(tradesPerYear))
	}

	return report
}

// PortfolioKPIs aggregates a full simulation: trade statistics from the
// trade log and total-return figures from the equity curve. CAGR and max
// drawdown come from the curve itself.
func (mc *MetricsCalculator) PortfolioKPIs(trades []types.Trade, curve []types.EquityPoint) types.KPIReport {
	report := types.KPIReport{TotalTrades: len(trades)}

	if len(trades) > 0 {
		var sum decimal.Decimal
		wins := 0
		for _, t := range trades {
			sum = sum.Add(t.ReturnPct)
			if t.ReturnPct.GreaterThan(decimal.Zero) {
				wins++
			}
		}
		count := decimal.NewFromInt(int64(len(trades)))
		report.AvgReturn = sum.Div(count)
		report.WinRate = decimal.NewFromInt(int64(wins)).Div(count)
	}

	if len(curve) > 0 {
		report.MaxDrawdown = mc.equityMaxDrawdown(curve)
		report.CAGR = mc.equityCAGR(curve)
	}

	return report
}

// equityMaxDrawdown returns the deepest relative fall from a running equity
// peak, as (equity - peak) / peak, zero or negative.
func (mc *MetricsCalculator) equityMaxDrawdown(curve []types.EquityPoint) decimal.Decimal {
	peak := curve[0].Equity
	maxDD := decimal.Zero
	for _, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsZero() {
			continue
		}
		if dd := point.Equity.Sub(peak).Div(peak); dd.LessThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// equityCAGR annualizes the curve's total return over its calendar span.
// The exponentiation runs in float64 at the reporting edge.
func (mc *MetricsCalculator) equityCAGR(curve []types.EquityPoint) decimal.Decimal {
	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity
	if initial.IsZero() {
		return decimal.Zero
	}

	days := curve[len(curve)-1].Date.Sub(curve[0].Date).Hours() / 24
	years := days / 365.25
	if years <= 0 {
		return decimal.Zero
	}

	growth, _ := final.Div(initial).Float64()
	if growth <= 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromFloat(math.Pow(growth, 1/years) - 1)
}
