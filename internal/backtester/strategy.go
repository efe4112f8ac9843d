package backtester

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/internal/signal"
	"github.com/snowmoney/backtester/pkg/types"
)

var one = decimal.NewFromInt(1)

// exitLevels computes the effective exit trigger for a held position.
// The trigger is the higher of the hard stop and the trailing stop, so the
// trailing stop can raise the floor but never lower it below the hard stop.
// A tie resolves to the hard stop.
func exitLevels(entryPrice, highestPrice decimal.Decimal, params types.ParameterSet) (trigger decimal.Decimal, reason types.ExitReason) {
	stop := entryPrice.Mul(one.Sub(params.StopLossPct))
	trail := highestPrice.Mul(one.Sub(params.TrailingStopPct))
	if trail.GreaterThan(stop) {
		return trail, types.ExitTrailing
	}
	return stop, types.ExitStopLoss
}

// tradeReturn is (exit - entry) / entry.
func tradeReturn(entryPrice, exitPrice decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(entryPrice).Div(entryPrice)
}

// EvaluateTrades runs the entry/exit rules independently per instrument over
// the date range [start, end) and returns the closed trades. At most one
// position per instrument is tracked and no shared cash pool is involved,
// which makes it the light per-trade evaluator used by the walk-forward
// grid search. Zero start/end times leave that side of the range unbounded.
//
// Rows with an undefined moving average are skipped, so instruments with
// insufficient history simply never trade.
func EvaluateTrades(panel *indicator.Panel, params types.ParameterSet, start, end time.Time) []types.Trade {
	var trades []types.Trade

	for _, code := range panel.Codes() {
		var (
			holding      bool
			entryDate    time.Time
			entryPrice   decimal.Decimal
			highestPrice decimal.Decimal
		)

		for _, row := range panel.ByCode[code] {
			if !start.IsZero() && row.Date.Before(start) {
				continue
			}
			if !end.IsZero() && !row.Date.Before(end) {
				break
			}
			if !row.ShortValid || !row.LongValid {
				continue
			}

			if !holding {
				if signal.Eligible(row, params.DipThreshold) {
					holding = true
					entryDate = row.Date
					entryPrice = row.Close
					highestPrice = row.Close
				}
				continue
			}

			if row.High.GreaterThan(highestPrice) {
				highestPrice = row.High
			}

			trigger, reason := exitLevels(entryPrice, highestPrice, params)
			if row.Low.LessThanOrEqual(trigger) {
				trades = append(trades, types.Trade{
					Code:       code,
					EntryDate:  entryDate,
					ExitDate:   row.Date,
					EntryPrice: entryPrice,
					ExitPrice:  trigger,
					Quantity:   1,
					ReturnPct:  tradeReturn(entryPrice, trigger),
					ExitReason: reason,
				})
				holding = false
			}
		}
	}

	return trades
}
