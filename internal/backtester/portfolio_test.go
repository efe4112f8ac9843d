package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var entryDay = time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)

func TestPortfolioOpenDebitsCash(t *testing.T) {
	pf := NewPortfolio(decimal.NewFromInt(100000))

	if err := pf.Open("7203", entryDay, decimal.NewFromInt(2500), 10); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if !pf.Cash().Equal(decimal.NewFromInt(75000)) {
		t.Errorf("expected cash 75000, got %s", pf.Cash())
	}
	pos, ok := pf.Position("7203")
	if !ok || pos.Quantity != 10 {
		t.Fatalf("expected open position of 10 shares")
	}
	if !pos.HighestPrice.Equal(pos.EntryPrice) {
		t.Error("entry price must seed the high-water mark")
	}
}

func TestPortfolioOpenRejectsInvalid(t *testing.T) {
	pf := NewPortfolio(decimal.NewFromInt(10000))

	if err := pf.Open("7203", entryDay, decimal.NewFromInt(2500), 5); err == nil {
		t.Error("expected error when cost exceeds cash")
	}
	if err := pf.Open("7203", entryDay, decimal.NewFromInt(100), 0); err == nil {
		t.Error("expected error for zero quantity")
	}

	if err := pf.Open("7203", entryDay, decimal.NewFromInt(100), 10); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := pf.Open("7203", entryDay, decimal.NewFromInt(100), 10); err == nil {
		t.Error("expected error for a duplicate position")
	}
}

func TestPortfolioMarkHighNeverFalls(t *testing.T) {
	pf := NewPortfolio(decimal.NewFromInt(10000))
	if err := pf.Open("7203", entryDay, decimal.NewFromInt(100), 10); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pf.MarkHigh("7203", decimal.NewFromInt(120))
	pf.MarkHigh("7203", decimal.NewFromInt(110))

	pos, _ := pf.Position("7203")
	if !pos.HighestPrice.Equal(decimal.NewFromInt(120)) {
		t.Errorf("expected high-water mark 120, got %s", pos.HighestPrice)
	}

	// Unknown code is a no-op.
	pf.MarkHigh("9984", decimal.NewFromInt(999))
}

func TestPortfolioCloseCreditsFill(t *testing.T) {
	pf := NewPortfolio(decimal.NewFromInt(10000))
	if err := pf.Open("7203", entryDay, decimal.NewFromInt(100), 10); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	closed, err := pf.Close("7203", decimal.NewFromInt(93))
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.Quantity != 10 {
		t.Errorf("expected closed quantity 10, got %d", closed.Quantity)
	}

	// 10000 - 1000 + 930.
	if !pf.Cash().Equal(decimal.NewFromInt(9930)) {
		t.Errorf("expected cash 9930, got %s", pf.Cash())
	}
	if pf.Has("7203") {
		t.Error("closed position must be removed")
	}

	if _, err := pf.Close("7203", decimal.NewFromInt(93)); err == nil {
		t.Error("expected error closing a position twice")
	}
}

func TestPortfolioEquityUsesHighWaterMarkOnMissingPrice(t *testing.T) {
	pf := NewPortfolio(decimal.NewFromInt(10000))
	if err := pf.Open("7203", entryDay, decimal.NewFromInt(100), 10); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pf.MarkHigh("7203", decimal.NewFromInt(110))

	// With a live price the position marks at that price.
	equity := pf.Equity(func(string) (decimal.Decimal, bool) {
		return decimal.NewFromInt(105), true
	})
	if !equity.Equal(decimal.NewFromInt(10050)) {
		t.Errorf("expected equity 10050, got %s", equity)
	}

	// Without one, the stale high-water mark stands in.
	equity = pf.Equity(func(string) (decimal.Decimal, bool) {
		return decimal.Decimal{}, false
	})
	if !equity.Equal(decimal.NewFromInt(10100)) {
		t.Errorf("expected equity 10100 from the high-water mark, got %s", equity)
	}
}

func TestPortfolioCodesSorted(t *testing.T) {
	pf := NewPortfolio(decimal.NewFromInt(100000))
	for _, code := range []string{"9984", "6758", "7203"} {
		if err := pf.Open(code, entryDay, decimal.NewFromInt(100), 1); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
	}

	codes := pf.Codes()
	want := []string{"6758", "7203", "9984"}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, codes)
		}
	}
}
