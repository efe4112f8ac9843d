package backtester

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/pkg/types"
)

func TestMonteCarloEmptyTrades(t *testing.T) {
	result := NewMonteCarloSimulator(zap.NewNop(), 100).Run(nil)
	if result.Iterations != 0 {
		t.Errorf("expected an empty result, got %+v", result)
	}
}

func TestMonteCarloSeededRunsAreIdentical(t *testing.T) {
	trades := []types.Trade{
		trade("A", 0, 1, 0.10),
		trade("B", 1, 2, -0.05),
		trade("C", 2, 3, 0.03),
		trade("D", 3, 4, -0.02),
	}

	first := NewMonteCarloSimulator(zap.NewNop(), 500).Run(trades)
	second := NewMonteCarloSimulator(zap.NewNop(), 500).Run(trades)

	if !first.MedianReturn.Equal(second.MedianReturn) ||
		!first.P5Return.Equal(second.P5Return) ||
		!first.P95Return.Equal(second.P95Return) ||
		!first.ProbabilityRuin.Equal(second.ProbabilityRuin) {
		t.Errorf("seeded simulators must reproduce identical bands: %+v vs %+v", first, second)
	}
}

func TestMonteCarloAllPositiveReturnsNeverRuin(t *testing.T) {
	trades := []types.Trade{
		trade("A", 0, 1, 0.05),
		trade("B", 1, 2, 0.08),
	}

	result := NewMonteCarloSimulator(zap.NewNop(), 300).Run(trades)
	if !result.ProbabilityRuin.Equal(decimal.Zero) {
		t.Errorf("positive-only returns cannot ruin, got %s", result.ProbabilityRuin)
	}
	if !result.P5Return.GreaterThan(decimal.Zero) {
		t.Errorf("every resampled path compounds positive returns, got P5 %s", result.P5Return)
	}
	if result.P95Return.LessThan(result.P5Return) {
		t.Error("percentile band is inverted")
	}
}

func TestMonteCarloCatastrophicReturnsAlwaysRuin(t *testing.T) {
	// A single -60% return drops every path straight through the ruin
	// threshold on its first draw.
	trades := []types.Trade{trade("A", 0, 1, -0.60)}

	result := NewMonteCarloSimulator(zap.NewNop(), 300).Run(trades)
	if !result.ProbabilityRuin.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected certain ruin, got %s", result.ProbabilityRuin)
	}
	if !result.MedianReturn.Equal(decimal.NewFromFloat(-0.60)) {
		t.Errorf("expected median -0.60, got %s", result.MedianReturn)
	}
}

func TestMonteCarloIterationCount(t *testing.T) {
	trades := []types.Trade{trade("A", 0, 1, 0.01)}

	result := NewMonteCarloSimulator(zap.NewNop(), 0).Run(trades)
	if result.Iterations != 1000 {
		t.Errorf("non-positive iterations must default to 1000, got %d", result.Iterations)
	}
}
