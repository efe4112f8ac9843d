package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/internal/regime"
	"github.com/snowmoney/backtester/pkg/types"
)

func bars(code string, closes ...float64) []types.PriceBar {
	out := make([]types.PriceBar, len(closes))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		out[i] = types.PriceBar{
			Date:   start.AddDate(0, 0, i),
			Code:   code,
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

func TestScanRanksLatestDay(t *testing.T) {
	// Two instruments in an uptrend; both pull back on the last day, AAA
	// stays above its long average while BBB does not.
	input := append(
		bars("AAA", 100, 120, 140, 160, 180, 155),
		bars("BBB", 100, 120, 140, 160, 180, 150)...,
	)
	panel := indicator.NewEngine(zap.NewNop(), 3, 5).Compute(input)

	scanner := NewScanner(zap.NewNop(), regime.NewFilter(decimal.NewFromFloat(0.40)))
	report, err := scanner.Scan(panel, decimal.NewFromFloat(0.95))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if report.Universe != 2 || report.Bullish != 1 {
		t.Errorf("expected universe 2 with 1 bullish, got %d/%d", report.Universe, report.Bullish)
	}
	if !report.Breadth.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected breadth 0.5, got %s", report.Breadth)
	}
	if !report.AllowEntry {
		t.Error("breadth 0.5 must clear the 0.40 threshold")
	}

	if len(report.Candidates) != 2 {
		t.Fatalf("expected both dips as candidates, got %d", len(report.Candidates))
	}
	// BBB's pullback is deeper, so it ranks first.
	if report.Candidates[0].Code != "BBB" {
		t.Errorf("expected BBB ranked first, got %s", report.Candidates[0].Code)
	}
}

func TestScanWeakRegimeSuppressesCandidates(t *testing.T) {
	// Every instrument closes below its long average on the last day.
	input := append(
		bars("AAA", 100, 120, 140, 160, 180, 140),
		bars("BBB", 100, 120, 140, 160, 180, 135)...,
	)
	panel := indicator.NewEngine(zap.NewNop(), 3, 5).Compute(input)

	scanner := NewScanner(zap.NewNop(), regime.NewFilter(decimal.NewFromFloat(0.40)))
	report, err := scanner.Scan(panel, decimal.NewFromFloat(0.95))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if report.AllowEntry {
		t.Error("breadth 0 must not allow entries")
	}
	if len(report.Candidates) != 0 {
		t.Errorf("weak regime must report no candidates, got %d", len(report.Candidates))
	}
}

func TestScanEmptyPanel(t *testing.T) {
	panel := indicator.NewEngine(zap.NewNop(), 3, 5).Compute(nil)
	scanner := NewScanner(zap.NewNop(), regime.NewFilter(decimal.Decimal{}))

	if _, err := scanner.Scan(panel, decimal.NewFromFloat(0.95)); err == nil {
		t.Error("expected an error for an empty panel")
	}
}
