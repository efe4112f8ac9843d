package backtester

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/pkg/types"
)

// ErrInsufficientData is returned when the panel has too few distinct
// trading dates to form even a single train/test split.
var ErrInsufficientData = errors.New("walk-forward: insufficient data to form splits")

// WalkForwardOptimizer fits strategy parameters on a train window and
// validates them on the following test window, so KPIs are never computed
// on the data that selected the parameters.
type WalkForwardOptimizer struct {
	logger *zap.Logger
	config *types.WalkForwardConfig
}

// NewWalkForwardOptimizer creates a walk-forward optimizer.
func NewWalkForwardOptimizer(logger *zap.Logger, config *types.WalkForwardConfig) *WalkForwardOptimizer {
	if config == nil {
		config = types.DefaultWalkForwardConfig()
	}
	return &WalkForwardOptimizer{logger: logger, config: config}
}

// SplitDates partitions the distinct trading dates into nSplits+1
// contiguous equal-size chunks (the final chunk may be smaller) and derives
// one train/test pair per split. Consecutive splits overlap so that
// test[i] covers the same window as train[i+1]. When fewer than nSplits+1
// dates exist the split count is reduced to max(1, len/2) before giving up.
func SplitDates(dates []time.Time, nSplits int) ([]types.WalkForwardSplit, error) {
	if nSplits <= 0 {
		nSplits = 1
	}
	if len(dates) < nSplits+1 {
		nSplits = len(dates) / 2
		if nSplits < 1 {
			nSplits = 1
		}
	}

	size := len(dates) / (nSplits + 1)
	if size == 0 {
		return nil, ErrInsufficientData
	}

	splits := make([]types.WalkForwardSplit, 0, nSplits)
	for i := 0; i < nSplits; i++ {
		testEndIdx := (i + 2) * size
		if testEndIdx > len(dates)-1 {
			testEndIdx = len(dates) - 1
		}
		boundary := dates[(i+1)*size]
		splits = append(splits, types.WalkForwardSplit{
			Index:      i,
			TrainStart: dates[i*size],
			TrainEnd:   boundary,
			TestStart:  boundary,
			TestEnd:    dates[testEndIdx],
		})
	}
	return splits, nil
}

// gridTask is one (split, parameter) evaluation of the in-sample search.
type gridTask struct {
	split int
	param int
}

// Run executes the full walk-forward procedure over the panel:
// grid-search the parameter sets in-sample (score = mean trade return,
// first grid entry wins ties), validate the winner out-of-sample, then
// aggregate every out-of-sample trade into a single KPI report. A split
// with zero out-of-sample trades contributes nothing to the aggregate.
func (wf *WalkForwardOptimizer) Run(ctx context.Context, panel *indicator.Panel) (*types.WalkForwardResult, error) {
	if len(wf.config.Grid) == 0 {
		return nil, errors.New("walk-forward: empty parameter grid")
	}

	splits, err := SplitDates(panel.Dates, wf.config.NSplits)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	wf.logger.Info("starting walk-forward analysis",
		zap.Int("splits", len(splits)),
		zap.Int("gridSize", len(wf.config.Grid)),
	)

	scores, err := wf.scoreGrid(ctx, panel, splits)
	if err != nil {
		return nil, err
	}

	result := &types.WalkForwardResult{StartedAt: started}
	var oosTrades []types.Trade

	for i, split := range splits {
		// First candidate wins ties, so iterate the grid in order and
		// replace only on a strictly better score.
		bestIdx := 0
		for j := 1; j < len(wf.config.Grid); j++ {
			if scores[i][j].GreaterThan(scores[i][bestIdx]) {
				bestIdx = j
			}
		}
		best := wf.config.Grid[bestIdx]

		trades := EvaluateTrades(panel, best, split.TestStart, split.TestEnd)
		for t := range trades {
			trades[t].Split = i + 1
		}
		oosTrades = append(oosTrades, trades...)

		result.Splits = append(result.Splits, types.SplitResult{
			Split:      split,
			BestParams: best,
			TrainScore: scores[i][bestIdx],
			TestTrades: len(trades),
		})

		wf.logger.Debug("split validated",
			zap.Int("split", i+1),
			zap.Time("trainStart", split.TrainStart),
			zap.Time("testEnd", split.TestEnd),
			zap.String("trainScore", scores[i][bestIdx].String()),
			zap.Int("oosTrades", len(trades)),
		)
	}

	calc := NewMetricsCalculator()
	result.Trades = oosTrades
	result.KPI = calc.TradeKPIs(oosTrades)

	if wf.config.MonteCarloIterations > 0 && len(oosTrades) > 0 {
		mc := NewMonteCarloSimulator(wf.logger, wf.config.MonteCarloIterations)
		result.MonteCarlo = mc.Run(oosTrades)
	}

	result.CompletedAt = time.Now()
	result.Duration = time.Since(started)

	wf.logger.Info("walk-forward analysis complete",
		zap.Int("totalTrades", result.KPI.TotalTrades),
		zap.String("avgReturn", result.KPI.AvgReturn.String()),
		zap.String("winRate", result.KPI.WinRate.String()),
		zap.String("maxDrawdown", result.KPI.MaxDrawdown.String()),
	)

	return result, nil
}

// scoreGrid evaluates every (split, parameter) pair in-sample. Pairs are
// independent, so they run concurrently behind a worker semaphore; the
// result matrix keeps the fixed grid order regardless of completion order.
func (wf *WalkForwardOptimizer) scoreGrid(ctx context.Context, panel *indicator.Panel, splits []types.WalkForwardSplit) ([][]decimal.Decimal, error) {
	scores := make([][]decimal.Decimal, len(splits))
	for i := range scores {
		scores[i] = make([]decimal.Decimal, len(wf.config.Grid))
	}

	workers := wf.config.Workers
	if workers <= 0 {
		workers = 4
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range splits {
		for j := range wf.config.Grid {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			wg.Add(1)
			go func(task gridTask) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				split := splits[task.split]
				trades := EvaluateTrades(panel, wf.config.Grid[task.param], split.TrainStart, split.TrainEnd)
				scores[task.split][task.param] = meanReturn(trades)
			}(gridTask{split: i, param: j})
		}
	}

	wg.Wait()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return scores, nil
}

// meanReturn is the mean per-trade return; zero for an empty trade set.
func meanReturn(trades []types.Trade) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.ReturnPct)
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades))))
}
