package data_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func testBars(start time.Time) []*types.OHLCV {
	var bars []*types.OHLCV
	for i := 0; i < 5; i++ {
		p := decimal.NewFromInt(int64(100 + i))
		bars = append(bars, &types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p.Add(decimal.NewFromInt(2)),
			Low:       p.Sub(decimal.NewFromInt(2)),
			Close:     p.Add(decimal.NewFromInt(1)),
			Volume:    decimal.NewFromInt(1000),
		})
	}
	return bars
}

func TestSaveAndLoadOHLCV(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("TEST/USDT", types.Timeframe1h, testBars(start)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	bars, err := store.LoadOHLCV(context.Background(), "TEST/USDT", types.Timeframe1h, start.Add(time.Hour), start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("Failed to load OHLCV: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars in [1h, 4h), got %d", len(bars))
	}
	if !bars[0].Close.Equal(decimal.NewFromInt(102)) {
		t.Errorf("unexpected first close %s", bars[0].Close)
	}

	from, to, err := store.GetDataRange("TEST/USDT")
	if err != nil {
		t.Fatalf("GetDataRange: %v", err)
	}
	if !from.Equal(start) || !to.Equal(start.Add(4*time.Hour)) {
		t.Errorf("unexpected range %s - %s", from, to)
	}
}

func TestDataPersistence(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	store, _ := data.NewStore(zap.NewNop(), dir)
	if err := store.SaveOHLCV("TEST/USDT", types.Timeframe1h, testBars(start)); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	symbols := reopened.GetAvailableSymbols()
	if len(symbols) != 1 || symbols[0] != "TEST/USDT" {
		t.Errorf("expected TEST/USDT in metadata, got %v", symbols)
	}
	bars, err := reopened.LoadOHLCV(context.Background(), "TEST/USDT", types.Timeframe1h, start, start.Add(24*time.Hour))
	if err != nil || len(bars) != 5 {
		t.Fatalf("expected 5 persisted bars, got %d (%v)", len(bars), err)
	}
}

func TestSampleDataIsDeterministic(t *testing.T) {
	store, _ := data.NewStore(zap.NewNop(), t.TempDir())
	ctx := context.Background()
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	a, err := store.LoadOHLCV(ctx, "BTC/USDT", types.Timeframe1h, start, end)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(a) != 30*24 {
		t.Fatalf("expected %d hourly bars, got %d", 30*24, len(a))
	}

	// A sub-window must reproduce exactly the same candles.
	b, _ := store.LoadOHLCV(ctx, "BTC/USDT", types.Timeframe1h, start.AddDate(0, 0, 10), end)
	offset := 10 * 24
	for i := range b {
		if !b[i].Close.Equal(a[i+offset].Close) || !b[i].Timestamp.Equal(a[i+offset].Timestamp) {
			t.Fatalf("bar %d differs between overlapping loads", i)
		}
	}

	for _, bar := range a {
		if bar.High.LessThan(bar.Low) || bar.Close.LessThanOrEqual(decimal.Zero) {
			t.Fatalf("invalid candle %+v", bar)
		}
	}
}

func TestEmptyRange(t *testing.T) {
	store, _ := data.NewStore(zap.NewNop(), t.TempDir())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.LoadOHLCV(context.Background(), "BTC/USDT", types.Timeframe1h, now, now); err == nil {
		t.Error("expected error for empty range")
	}
	if _, err := store.LoadOHLCV(context.Background(), "BTC/USDT", "7m", now, now.Add(time.Hour)); err == nil {
		t.Error("expected error for unsupported timeframe")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store, _ := data.NewStore(zap.NewNop(), t.TempDir())
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("TEST/USDT", types.Timeframe1h, testBars(start)); err != nil {
		t.Fatalf("save: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.LoadOHLCV(context.Background(), "TEST/USDT", types.Timeframe1h, start, start.Add(5*time.Hour))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent load failed: %v", err)
		}
	}
}
