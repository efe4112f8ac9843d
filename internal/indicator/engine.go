// Package indicator computes per-instrument rolling statistics over a
// daily price panel.
package indicator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/pkg/types"
)

// Engine computes rolling moving averages over a price panel.
// Windows are partitioned strictly per instrument: a rolling window never
// spans two instruments' bars.
type Engine struct {
	logger      *zap.Logger
	shortWindow int
	longWindow  int
}

// NewEngine creates an indicator engine. Non-positive windows fall back to
// the standard 25/75 daily configuration.
func NewEngine(logger *zap.Logger, shortWindow, longWindow int) *Engine {
	if shortWindow <= 0 {
		shortWindow = 25
	}
	if longWindow <= 0 {
		longWindow = 75
	}
	return &Engine{
		logger:      logger,
		shortWindow: shortWindow,
		longWindow:  longWindow,
	}
}

// Panel holds indicator rows grouped for simulation access. Dates is the
// ascending list of distinct trading dates; ByDate rows are sorted by code
// and ByCode rows by date, so every iteration order is reproducible.
type Panel struct {
	Dates  []time.Time
	ByDate map[time.Time][]*types.IndicatorRow
	ByCode map[string][]*types.IndicatorRow
}

// Row returns the indicator row for (date, code), if present.
func (p *Panel) Row(date time.Time, code string) (*types.IndicatorRow, bool) {
	for _, row := range p.ByDate[date] {
		if row.Code == code {
			return row, true
		}
	}
	return nil, false
}

// Codes returns the distinct instrument codes, ascending.
func (p *Panel) Codes() []string {
	codes := make([]string, 0, len(p.ByCode))
	for code := range p.ByCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// LatestDate returns the most recent trading date in the panel.
func (p *Panel) LatestDate() (time.Time, bool) {
	if len(p.Dates) == 0 {
		return time.Time{}, false
	}
	return p.Dates[len(p.Dates)-1], true
}

// Compute produces an IndicatorRow for every input bar. A moving average at
// position i is defined only once the instrument has accumulated at least
// window bars including the current one; until then the row's Valid flag
// stays false and the value must not be consumed downstream.
func (e *Engine) Compute(bars []types.PriceBar) *Panel {
	byCode := make(map[string][]types.PriceBar)
	for _, bar := range bars {
		bar.Date = normalizeDate(bar.Date)
		byCode[bar.Code] = append(byCode[bar.Code], bar)
	}

	panel := &Panel{
		ByDate: make(map[time.Time][]*types.IndicatorRow),
		ByCode: make(map[string][]*types.IndicatorRow, len(byCode)),
	}

	for code, series := range byCode {
		sort.Slice(series, func(i, j int) bool {
			return series[i].Date.Before(series[j].Date)
		})
		rows := e.computeSeries(series)
		panel.ByCode[code] = rows
		for _, row := range rows {
			panel.ByDate[row.Date] = append(panel.ByDate[row.Date], row)
		}
	}

	panel.Dates = make([]time.Time, 0, len(panel.ByDate))
	for date, rows := range panel.ByDate {
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].Code < rows[j].Code
		})
		panel.Dates = append(panel.Dates, date)
	}
	sort.Slice(panel.Dates, func(i, j int) bool {
		return panel.Dates[i].Before(panel.Dates[j])
	})

	e.logger.Debug("indicators computed",
		zap.Int("instruments", len(panel.ByCode)),
		zap.Int("tradingDays", len(panel.Dates)),
	)

	return panel
}

// computeSeries runs both rolling windows over one instrument's sorted bars.
func (e *Engine) computeSeries(series []types.PriceBar) []*types.IndicatorRow {
	rows := make([]*types.IndicatorRow, len(series))

	var shortSum, longSum decimal.Decimal
	shortDiv := decimal.NewFromInt(int64(e.shortWindow))
	longDiv := decimal.NewFromInt(int64(e.longWindow))

	for i, bar := range series {
		shortSum = shortSum.Add(bar.Close)
		if i >= e.shortWindow {
			shortSum = shortSum.Sub(series[i-e.shortWindow].Close)
		}
		longSum = longSum.Add(bar.Close)
		if i >= e.longWindow {
			longSum = longSum.Sub(series[i-e.longWindow].Close)
		}

		row := &types.IndicatorRow{PriceBar: bar}
		if i >= e.shortWindow-1 {
			row.MAShort = shortSum.Div(shortDiv)
			row.ShortValid = true
		}
		if i >= e.longWindow-1 {
			row.MALong = longSum.Div(longDiv)
			row.LongValid = true
		}
		rows[i] = row
	}

	return rows
}

// normalizeDate truncates a timestamp to its UTC calendar day so dates can
// be used as map keys.
func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
