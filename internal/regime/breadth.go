// Package regime provides the market-breadth filter that gates new entries.
package regime

import (
	"github.com/shopspring/decimal"

	"github.com/snowmoney/backtester/pkg/types"
)

// DefaultBullishThreshold is the minimum bullish fraction required before
// new entries are allowed.
var DefaultBullishThreshold = decimal.NewFromFloat(0.40)

// Filter computes aggregate market breadth for one trading day and decides
// whether new entries are permitted. It has no effect on open positions.
type Filter struct {
	threshold decimal.Decimal
}

// NewFilter creates a breadth filter. A zero threshold falls back to the
// default 0.40.
func NewFilter(threshold decimal.Decimal) *Filter {
	if threshold.IsZero() {
		threshold = DefaultBullishThreshold
	}
	return &Filter{threshold: threshold}
}

// Threshold returns the configured bullish threshold.
func (f *Filter) Threshold() decimal.Decimal {
	return f.threshold
}

// Breadth returns the fraction of the day's universe trading above its long
// moving average. Only rows with a defined long average count toward either
// side of the ratio; an empty universe yields breadth zero.
func (f *Filter) Breadth(rows []*types.IndicatorRow) (breadth decimal.Decimal, bullish, total int) {
	for _, row := range rows {
		up, ok := row.Bullish()
		if !ok {
			continue
		}
		total++
		if up {
			bullish++
		}
	}
	if total == 0 {
		return decimal.Zero, 0, 0
	}
	return decimal.NewFromInt(int64(bullish)).Div(decimal.NewFromInt(int64(total))), bullish, total
}

// AllowEntry reports whether new entries are permitted for the day.
func (f *Filter) AllowEntry(rows []*types.IndicatorRow) bool {
	breadth, _, total := f.Breadth(rows)
	if total == 0 {
		return false
	}
	return breadth.GreaterThanOrEqual(f.threshold)
}
