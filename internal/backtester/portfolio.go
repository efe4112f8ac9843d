// Package backtester provides the portfolio simulation and walk-forward
// evaluation engine.
package backtester

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/snowmoney/backtester/pkg/types"
)

// Portfolio holds the shared cash pool and the open positions of one
// simulation run, keyed by instrument code. The engine owns it exclusively
// for the duration of a run, so access is unsynchronized by design of the
// strictly sequential day loop.
type Portfolio struct {
	cash      decimal.Decimal
	positions map[string]*types.Position
}

// NewPortfolio creates a portfolio with the given starting cash.
func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:      initialCash,
		positions: make(map[string]*types.Position),
	}
}

// Cash returns the available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

// Len returns the number of open positions.
func (p *Portfolio) Len() int {
	return len(p.positions)
}

// Has reports whether an instrument is currently held.
func (p *Portfolio) Has(code string) bool {
	_, ok := p.positions[code]
	return ok
}

// Position returns the open position for an instrument, if any.
func (p *Portfolio) Position(code string) (*types.Position, bool) {
	pos, ok := p.positions[code]
	return pos, ok
}

// Codes returns the held instrument codes in ascending order, so callers
// iterate positions in a reproducible order.
func (p *Portfolio) Codes() []string {
	codes := make([]string, 0, len(p.positions))
	for code := range p.positions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Open debits cash and creates a position filled at the given price.
// The entry price seeds the high-water mark.
func (p *Portfolio) Open(code string, date time.Time, price decimal.Decimal, quantity int64) error {
	if _, ok := p.positions[code]; ok {
		return fmt.Errorf("open %s: position already held", code)
	}
	if quantity <= 0 {
		return fmt.Errorf("open %s: non-positive quantity %d", code, quantity)
	}
	cost := price.Mul(decimal.NewFromInt(quantity))
	if cost.GreaterThan(p.cash) {
		return fmt.Errorf("open %s: cost %s exceeds cash %s", code, cost, p.cash)
	}
	p.cash = p.cash.Sub(cost)
	p.positions[code] = &types.Position{
		Code:         code,
		EntryDate:    date,
		EntryPrice:   price,
		HighestPrice: price,
		Quantity:     quantity,
	}
	return nil
}

// MarkHigh raises the high-water mark of a held instrument. The mark never
// falls.
func (p *Portfolio) MarkHigh(code string, high decimal.Decimal) {
	if pos, ok := p.positions[code]; ok && high.GreaterThan(pos.HighestPrice) {
		pos.HighestPrice = high
	}
}

// Close removes a position, credits the proceeds at the fill price, and
// returns the closed position.
func (p *Portfolio) Close(code string, fill decimal.Decimal) (*types.Position, error) {
	pos, ok := p.positions[code]
	if !ok {
		return nil, fmt.Errorf("close %s: no open position", code)
	}
	p.cash = p.cash.Add(fill.Mul(decimal.NewFromInt(pos.Quantity)))
	delete(p.positions, code)
	return pos, nil
}

// MarketValue values the open positions with the supplied price lookup.
// When no price is available for an instrument the stale high-water mark is
// used instead of the last traded close; a documented approximation that
// avoids understating equity across data gaps.
func (p *Portfolio) MarketValue(priceOf func(code string) (decimal.Decimal, bool)) decimal.Decimal {
	value := decimal.Zero
	for _, code := range p.Codes() {
		pos := p.positions[code]
		price, ok := priceOf(code)
		if !ok {
			price = pos.HighestPrice
		}
		value = value.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return value
}

// Equity returns cash plus the marked value of the open positions.
func (p *Portfolio) Equity(priceOf func(code string) (decimal.Decimal, bool)) decimal.Decimal {
	return p.cash.Add(p.MarketValue(priceOf))
}
