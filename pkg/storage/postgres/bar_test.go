package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"swapkline/internal/kline"
	"swapkline/pkg/storage/postgres"

	"github.com/google/uuid"
)

// go test -v --run TestToBarRecord
func TestToBarRecord(t *testing.T) {
	pair := kline.Pair{Token0: "meme", Token1: kline.NativeToken}
	bar := kline.Bar{Start: 3600, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, QuoteVolume: 12, Trades: 3, Closed: true}

	record := postgres.ToBarRecord(pair, kline.Interval1Hour, bar)
	if record.Token1 != kline.NativeToken || record.Interval != "1h" {
		t.Fatalf("unexpected record key: %+v", record)
	}
	if !record.End.Equal(time.Unix(7200, 0)) {
		t.Errorf("unexpected end: %s", record.End)
	}
	if got := record.Bar(); got != bar {
		t.Errorf("round trip mismatch: got %+v want %+v", got, bar)
	}
}

// go test -v --run TestBarRepository
func TestBarRepository(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	pair := kline.Pair{Token0: "test-" + uuid.New().String(), Token1: kline.NativeToken}
	t.Cleanup(func() {
		client.DB.Where("token_0 = ?", pair.Token0).Delete(&postgres.BarRecord{})
	})

	// Empty series
	if _, ok, err := client.LatestBarStart(ctx, pair, kline.Interval1Min); err != nil || ok {
		t.Fatalf("expected no bars, got ok=%v err=%v", ok, err)
	}

	// Insert
	for _, start := range []int64{120, 0, 60} {
		bar := kline.Bar{Start: start, Open: 10, High: 12, Low: 9, Close: 9, Volume: 4, QuoteVolume: 40, Trades: 3, Closed: true}
		if err := client.InsertBar(ctx, pair, kline.Interval1Min, bar); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	// Duplicate
	err := client.InsertBar(ctx, pair, kline.Interval1Min, kline.Bar{Start: 60, Open: 99, High: 99, Low: 99, Close: 99, Trades: 1})
	if !errors.Is(err, kline.ErrDuplicateBar) {
		t.Fatalf("expected duplicate bar error, got %v", err)
	}

	// Read
	bars, err := client.ListBars(ctx, pair, kline.Interval1Min, 0, 60)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(bars) != 2 || bars[0].Start != 0 || bars[1].Start != 60 {
		t.Fatalf("unexpected bars: %+v", bars)
	}
	if bars[1].Open != 10 || !bars[1].Closed {
		t.Errorf("duplicate insert altered stored bar: %+v", bars[1])
	}

	latest, ok, err := client.LatestBarStart(ctx, pair, kline.Interval1Min)
	if err != nil || !ok || latest != 120 {
		t.Fatalf("unexpected latest start: %d ok=%v err=%v", latest, ok, err)
	}

	// Delete
	if err := client.DeleteBarsBefore(ctx, time.Unix(60, 0)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	bars, err = client.ListBars(ctx, pair, kline.Interval1Min, 0, 120)
	if err != nil {
		t.Fatalf("list after delete failed: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("expected 2 bars after delete, got %d", len(bars))
	}
}
