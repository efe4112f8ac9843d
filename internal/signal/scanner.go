package signal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/internal/regime"
	"github.com/snowmoney/backtester/pkg/types"
)

// Scanner produces the daily entry-candidate report for the latest panel
// date: the market regime verdict plus the ranked dip candidates.
type Scanner struct {
	logger *zap.Logger
	filter *regime.Filter
}

// NewScanner creates a daily signal scanner.
func NewScanner(logger *zap.Logger, filter *regime.Filter) *Scanner {
	return &Scanner{logger: logger, filter: filter}
}

// Scan evaluates the most recent trading date in the panel.
func (s *Scanner) Scan(panel *indicator.Panel, dipThreshold decimal.Decimal) (*types.ScanReport, error) {
	latest, ok := panel.LatestDate()
	if !ok {
		return nil, fmt.Errorf("scan: empty panel")
	}

	rows := panel.ByDate[latest]
	breadth, bullish, total := s.filter.Breadth(rows)
	allow := s.filter.AllowEntry(rows)

	report := &types.ScanReport{
		Date:        latest,
		Universe:    total,
		Bullish:     bullish,
		Breadth:     breadth,
		AllowEntry:  allow,
		GeneratedAt: time.Now(),
	}

	if !allow {
		s.logger.Info("market regime is weak, no new entries",
			zap.Time("date", latest),
			zap.String("breadth", breadth.String()),
		)
		return report, nil
	}

	for _, row := range Rank(rows, dipThreshold) {
		score, _ := Score(row)
		report.Candidates = append(report.Candidates, types.SignalCandidate{
			Code:     row.Code,
			Date:     row.Date,
			Close:    row.Close,
			MAShort:  row.MAShort,
			DipRatio: score,
		})
	}

	s.logger.Info("scan complete",
		zap.Time("date", latest),
		zap.Int("universe", total),
		zap.String("breadth", breadth.String()),
		zap.Int("candidates", len(report.Candidates)),
	)

	return report, nil
}
