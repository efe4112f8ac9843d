// Package signal derives entry eligibility and ranking from indicator rows.
package signal

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/snowmoney/backtester/pkg/types"
)

// Eligible reports whether a row qualifies for entry at the given dip
// threshold: the short average must sit above the long average and the close
// must trade below maShort * dipThreshold. Rows with an undefined average
// never qualify.
func Eligible(row *types.IndicatorRow, dipThreshold decimal.Decimal) bool {
	trend, ok := row.GCTrend()
	if !ok || !trend {
		return false
	}
	return row.Close.LessThan(row.MAShort.Mul(dipThreshold))
}

// Score returns the pullback depth close/maShort. Lower means a deeper
// pullback and a higher entry priority. ok is false while maShort is
// undefined.
func Score(row *types.IndicatorRow) (decimal.Decimal, bool) {
	if !row.ShortValid {
		return decimal.Decimal{}, false
	}
	return row.Close.Div(row.MAShort), true
}

// Rank returns the eligible rows ordered by ascending score, ties broken by
// code so the ranking is deterministic.
func Rank(rows []*types.IndicatorRow, dipThreshold decimal.Decimal) []*types.IndicatorRow {
	var eligible []*types.IndicatorRow
	for _, row := range rows {
		if Eligible(row, dipThreshold) {
			eligible = append(eligible, row)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si, _ := Score(eligible[i])
		sj, _ := Score(eligible[j])
		if c := si.Cmp(sj); c != 0 {
			return c < 0
		}
		return eligible[i].Code < eligible[j].Code
	})

	return eligible
}
