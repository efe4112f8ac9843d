package data

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func bar(date time.Time, code string, close float64) types.PriceBar {
	c := decimal.NewFromFloat(close)
	return types.PriceBar{
		Date:   date,
		Code:   code,
		Open:   c,
		High:   c,
		Low:    c,
		Close:  c,
		Volume: decimal.NewFromInt(1000),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d1 := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	bars := []types.PriceBar{
		bar(d1, "7203", 2543.5),
		bar(d2, "7203", 2551.25),
		bar(d1, "6758", 13010),
	}
	require.NoError(t, store.SaveBars(ctx, bars))

	loaded, err := store.LoadPanel(ctx, time.Time{}, time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	// Ordered by date then code.
	require.Equal(t, "6758", loaded[0].Code)
	require.Equal(t, "7203", loaded[1].Code)
	require.Equal(t, d2, loaded[2].Date)
	require.True(t, loaded[1].Close.Equal(decimal.NewFromFloat(2543.5)))
}

func TestSaveBarsUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars(ctx, []types.PriceBar{bar(d, "7203", 2500)}))
	require.NoError(t, store.SaveBars(ctx, []types.PriceBar{bar(d, "7203", 2600)}))

	loaded, err := store.LoadPanel(ctx, time.Time{}, time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.True(t, loaded[0].Close.Equal(decimal.NewFromInt(2600)))
}

func TestLoadPanelDateRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var bars []types.PriceBar
	for i := 0; i < 5; i++ {
		bars = append(bars, bar(time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC), "7203", 2500))
	}
	require.NoError(t, store.SaveBars(ctx, bars))

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	loaded, err := store.LoadPanel(ctx, start, end, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	require.Equal(t, start, loaded[0].Date)
	require.Equal(t, end, loaded[2].Date)
}

func TestLoadPanelCategoryFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars(ctx, []types.PriceBar{
		bar(d, "7203", 2500),
		bar(d, "6758", 13000),
		bar(d, "9984", 8000),
	}))
	require.NoError(t, store.SaveInstrument(ctx, "7203", "Toyota", "TOPIX Large70"))
	require.NoError(t, store.SaveInstrument(ctx, "6758", "Sony", "TOPIX Mid400"))
	// 9984 has no instrument row and is dropped by any category filter.

	loaded, err := store.LoadPanel(ctx, time.Time{}, time.Time{}, []string{"TOPIX Mid400"})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "6758", loaded[0].Code)
	require.Equal(t, "TOPIX Mid400", loaded[0].Category)

	// No filter keeps all bars, with empty category where unknown.
	all, err := store.LoadPanel(ctx, time.Time{}, time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, b := range all {
		if b.Code == "9984" {
			require.Empty(t, b.Category)
		}
	}
}

func TestInstruments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveInstrument(ctx, "7203", "Toyota", "TOPIX Large70"))
	require.NoError(t, store.SaveInstrument(ctx, "6758", "Sony", "TOPIX Mid400"))
	require.NoError(t, store.SaveInstrument(ctx, "7203", "Toyota Motor", "TOPIX Large70"))

	instruments, err := store.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, instruments, 2)
	require.Equal(t, "6758", instruments[0].Code)
	require.Equal(t, "Toyota Motor", instruments[1].Name)
}

func TestDateRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.DateRange(ctx)
	require.Error(t, err)

	d1 := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars(ctx, []types.PriceBar{
		bar(d2, "7203", 2600),
		bar(d1, "7203", 2500),
	}))

	start, end, err := store.DateRange(ctx)
	require.NoError(t, err)
	require.Equal(t, d1, start)
	require.Equal(t, d2, end)
}
