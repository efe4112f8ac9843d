package backtester

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/internal/regime"
	"github.com/snowmoney/backtester/internal/signal"
	"github.com/snowmoney/backtester/pkg/types"
)

// Engine is the day-by-day portfolio simulator. Each trading day is one
// state transition processed in a fixed order: breadth check, exits,
// entries, equity marking. Exits run before entries, so cash and slots
// freed by the day's stops are available to the same day's candidates.
type Engine struct {
	logger *zap.Logger
	config *types.BacktestConfig
	filter *regime.Filter

	// Progress callback, invoked once per simulated day. Optional.
	onDay func(date time.Time, equity decimal.Decimal, day, totalDays int)
}

// NewEngine creates a simulation engine for the given configuration.
func NewEngine(logger *zap.Logger, config *types.BacktestConfig) *Engine {
	return &Engine{
		logger: logger,
		config: config,
		filter: regime.NewFilter(config.MarketBullishThreshold),
	}
}

// OnDay registers a per-day progress callback.
func (e *Engine) OnDay(fn func(date time.Time, equity decimal.Decimal, day, totalDays int)) {
	e.onDay = fn
}

// Run simulates the strategy over the full panel with the given parameters.
// The panel must be fully resident before the call; the loop performs no
// I/O. Identical inputs produce identical trade and equity sequences.
func (e *Engine) Run(ctx context.Context, panel *indicator.Panel, params types.ParameterSet) (*types.SimulationResult, error) {
	if len(panel.Dates) == 0 {
		return nil, fmt.Errorf("simulation: empty price panel")
	}
	if e.config.MaxPositions <= 0 {
		return nil, fmt.Errorf("simulation: max positions must be positive, got %d", e.config.MaxPositions)
	}

	started := time.Now()
	runID := e.config.ID
	if runID == "" {
		runID = uuid.New().String()
	}

	e.logger.Info("starting portfolio simulation",
		zap.String("id", runID),
		zap.String("initialCapital", e.config.InitialCapital.String()),
		zap.Int("maxPositions", e.config.MaxPositions),
		zap.Int("tradingDays", len(panel.Dates)),
	)

	pf := NewPortfolio(e.config.InitialCapital)
	var (
		trades []types.Trade
		curve  []types.EquityPoint
	)

	for dayIdx, date := range panel.Dates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rows := panel.ByDate[date]
		if len(rows) == 0 {
			continue
		}
		rowByCode := make(map[string]*types.IndicatorRow, len(rows))
		for _, row := range rows {
			rowByCode[row.Code] = row
		}

		allowEntry := e.filter.AllowEntry(rows)

		trades = e.processExits(pf, date, rowByCode, params, trades)

		if allowEntry {
			e.processEntries(pf, date, rows, params)
		}

		equity := pf.Equity(func(code string) (decimal.Decimal, bool) {
			if row, ok := rowByCode[code]; ok {
				return row.Close, true
			}
			return decimal.Decimal{}, false
		})
		curve = append(curve, types.EquityPoint{Date: date, Equity: equity, Cash: pf.Cash()})

		if e.onDay != nil {
			e.onDay(date, equity, dayIdx+1, len(panel.Dates))
		}
	}

	if len(curve) == 0 {
		return nil, fmt.Errorf("simulation: no trading days with price records")
	}

	calc := NewMetricsCalculator()
	kpi := calc.PortfolioKPIs(trades, curve)

	result := &types.SimulationResult{
		ID:            runID,
		Trades:        trades,
		EquityCurve:   curve,
		KPI:           kpi,
		DaysSimulated: len(curve),
		StartedAt:     started,
		CompletedAt:   time.Now(),
		Duration:      time.Since(started),
	}

	e.logger.Info("simulation complete",
		zap.String("id", runID),
		zap.Int("trades", len(trades)),
		zap.Int("days", len(curve)),
		zap.String("finalEquity", curve[len(curve)-1].Equity.String()),
		zap.String("cagr", kpi.CAGR.String()),
	)

	return result, nil
}

// processExits evaluates every held instrument against its exit trigger for
// the day. Positions with no price record are held unchanged; there is no
// forced liquidation on missing data.
func (e *Engine) processExits(pf *Portfolio, date time.Time, rowByCode map[string]*types.IndicatorRow, params types.ParameterSet, trades []types.Trade) []types.Trade {
	for _, code := range pf.Codes() {
		row, ok := rowByCode[code]
		if !ok {
			continue
		}
		pf.MarkHigh(code, row.High)

		pos, _ := pf.Position(code)
		trigger, reason := exitLevels(pos.EntryPrice, pos.HighestPrice, params)
		if row.Low.GreaterThan(trigger) {
			continue
		}

		// The stop order is assumed to fill at the trigger level, not the
		// day's low.
		closed, err := pf.Close(code, trigger)
		if err != nil {
			e.logger.Error("exit failed", zap.String("code", code), zap.Error(err))
			continue
		}
		trades = append(trades, types.Trade{
			Code:       code,
			EntryDate:  closed.EntryDate,
			ExitDate:   date,
			EntryPrice: closed.EntryPrice,
			ExitPrice:  trigger,
			Quantity:   closed.Quantity,
			ReturnPct:  tradeReturn(closed.EntryPrice, trigger),
			ExitReason: reason,
		})
	}
	return trades
}

// processEntries fills the day's ranked candidates into the free position
// slots. The allocation is recomputed fresh from cash and open slots each
// day rather than carried as a per-slot reservation.
func (e *Engine) processEntries(pf *Portfolio, date time.Time, rows []*types.IndicatorRow, params types.ParameterSet) {
	openSlots := e.config.MaxPositions - pf.Len()
	if openSlots <= 0 {
		return
	}
	if !pf.Cash().GreaterThan(decimal.Zero) {
		return
	}

	var candidates []*types.IndicatorRow
	for _, row := range signal.Rank(rows, params.DipThreshold) {
		if pf.Has(row.Code) {
			continue
		}
		candidates = append(candidates, row)
		if len(candidates) == openSlots {
			break
		}
	}
	if len(candidates) == 0 {
		return
	}

	allocation := pf.Cash().Div(decimal.NewFromInt(int64(openSlots)))
	for _, row := range candidates {
		qty := allocation.Div(row.Close).Floor()
		// Div rounds at a fixed precision; step back if the rounded
		// quotient overshoots the allocation.
		if qty.Mul(row.Close).GreaterThan(allocation) {
			qty = qty.Sub(one)
		}
		quantity := qty.IntPart()
		if quantity <= 0 {
			continue
		}
		if err := pf.Open(row.Code, date, row.Close, quantity); err != nil {
			e.logger.Error("entry failed", zap.String("code", row.Code), zap.Error(err))
		}
	}
}
