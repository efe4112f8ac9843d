package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS prices (
	date   TEXT NOT NULL,
	code   TEXT NOT NULL,
	open   TEXT NOT NULL,
	high   TEXT NOT NULL,
	low    TEXT NOT NULL,
	close  TEXT NOT NULL,
	volume TEXT NOT NULL,
	PRIMARY KEY (date, code)
);
CREATE INDEX IF NOT EXISTS idx_prices_code ON prices(code);

CREATE TABLE IF NOT EXISTS instruments (
	code     TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT ''
);
`

// dateLayout is the canonical on-disk date format. Bars are keyed by
// calendar day; intraday timestamps are not stored.
const dateLayout = "2006-01-02"

// Store persists daily price bars and instrument metadata in SQLite.
// Prices are stored as decimal strings so a load round-trips exactly.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewStore opens (creating if necessary) the database at path and
// ensures the schema exists.
func NewStore(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("Price store opened", zap.String("path", path))
	return &Store{logger: logger, db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBars upserts a batch of daily bars in a single transaction.
func (s *Store) SaveBars(ctx context.Context, bars []types.PriceBar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prices (date, code, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, code) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx,
			b.Date.Format(dateLayout), b.Code,
			b.Open.String(), b.High.String(), b.Low.String(),
			b.Close.String(), b.Volume.String())
		if err != nil {
			return fmt.Errorf("insert bar %s %s: %w", b.Code, b.Date.Format(dateLayout), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bars: %w", err)
	}

	s.logger.Debug("Saved price bars", zap.Int("count", len(bars)))
	return nil
}

// SaveInstrument upserts instrument metadata for a code.
func (s *Store) SaveInstrument(ctx context.Context, code, name, category string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (code, name, category)
		VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			category = excluded.category`,
		code, name, category)
	if err != nil {
		return fmt.Errorf("upsert instrument %s: %w", code, err)
	}
	return nil
}

// Instrument describes one tradable code.
type Instrument struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Instruments returns all instruments ordered by code.
func (s *Store) Instruments(ctx context.Context) ([]Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, category FROM instruments ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		var in Instrument
		if err := rows.Scan(&in.Code, &in.Name, &in.Category); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// LoadPanel loads bars in [start, end], both inclusive, joined with
// instrument metadata. Zero start or end leaves that side unbounded.
// A non-empty categories list restricts the result to codes whose
// instrument category is in the list; codes with no instrument row are
// excluded by the filter.
func (s *Store) LoadPanel(ctx context.Context, start, end time.Time, categories []string) ([]types.PriceBar, error) {
	var (
		where []string
		args  []any
	)
	if !start.IsZero() {
		where = append(where, "p.date >= ?")
		args = append(args, start.Format(dateLayout))
	}
	if !end.IsZero() {
		where = append(where, "p.date <= ?")
		args = append(args, end.Format(dateLayout))
	}
	if len(categories) > 0 {
		ph := make([]string, len(categories))
		for i, c := range categories {
			ph[i] = "?"
			args = append(args, c)
		}
		where = append(where, fmt.Sprintf("i.category IN (%s)", strings.Join(ph, ", ")))
	}

	query := `
		SELECT p.date, p.code, p.open, p.high, p.low, p.close, p.volume,
		       COALESCE(i.category, '')
		FROM prices p
		LEFT JOIN instruments i ON i.code = p.code`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.date, p.code"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query panel: %w", err)
	}
	defer rows.Close()

	var bars []types.PriceBar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate panel: %w", err)
	}

	s.logger.Debug("Loaded price panel",
		zap.Int("bars", len(bars)),
		zap.Int("categories", len(categories)))
	return bars, nil
}

// DateRange returns the earliest and latest stored bar dates.
func (s *Store) DateRange(ctx context.Context) (time.Time, time.Time, error) {
	var minStr, maxStr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(date), MAX(date) FROM prices`).Scan(&minStr, &maxStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("query date range: %w", err)
	}
	if !minStr.Valid || !maxStr.Valid {
		return time.Time{}, time.Time{}, fmt.Errorf("no price data stored")
	}

	start, err := time.ParseInLocation(dateLayout, minStr.String, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start date: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout, maxStr.String, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end date: %w", err)
	}
	return start, end, nil
}

func scanBar(rows *sql.Rows) (types.PriceBar, error) {
	var dateStr, code, category string
	fields := make([]string, 5)
	if err := rows.Scan(&dateStr, &code,
		&fields[0], &fields[1], &fields[2], &fields[3], &fields[4],
		&category); err != nil {
		return types.PriceBar{}, fmt.Errorf("scan bar: %w", err)
	}

	date, err := time.ParseInLocation(dateLayout, dateStr, time.UTC)
	if err != nil {
		return types.PriceBar{}, fmt.Errorf("parse bar date %q: %w", dateStr, err)
	}

	out := types.PriceBar{Date: date, Code: code, Category: category}
	for i, dst := range []*decimal.Decimal{&out.Open, &out.High, &out.Low, &out.Close, &out.Volume} {
		d, err := decimal.NewFromString(fields[i])
		if err != nil {
			return types.PriceBar{}, fmt.Errorf("parse price %q for %s: %w", fields[i], code, err)
		}
		*dst = d
	}
	return out, nil
}
