package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swapkline/internal/kline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPair = kline.Pair{Token0: "meme", Token1: kline.NativeToken}

func closedBar(start int64, open, high, low, close, volume float64) kline.Bar {
	return kline.Bar{
		Start: start, Open: open, High: high, Low: low, Close: close,
		Volume: volume, QuoteVolume: volume * close, Trades: 1, Closed: true,
	}
}

// go test -v --run TestPutClosedBarRoundTrip
func TestPutClosedBarRoundTrip(t *testing.T) {
	s := NewKlineStore(NewMemoryRepository())
	ctx := context.Background()

	bars := []kline.Bar{
		closedBar(120, 10, 12, 9, 9, 4),
		closedBar(0, 1, 2, 1, 2, 1),
		closedBar(60, 2, 3, 2, 3, 2),
	}
	for _, b := range bars {
		require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, b))
	}

	got, err := s.GetRange(ctx, testPair, kline.Interval1Min, 0, 120)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{0, 60, 120}, []int64{got[0].Start, got[1].Start, got[2].Start})
	assert.Equal(t, bars[0], got[2])
}

// go test -v --run TestGetRangeOmitsGaps
func TestGetRangeOmitsGaps(t *testing.T) {
	s := NewKlineStore(NewMemoryRepository())
	ctx := context.Background()

	require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(0, 1, 1, 1, 1, 1)))
	require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(180, 1, 1, 1, 1, 1)))

	got, err := s.GetRange(ctx, testPair, kline.Interval1Min, 60, 120)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)

	got, err = s.GetRange(ctx, testPair, kline.Interval1Min, 0, 240)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(180), got[1].Start)

	// unknown series and inverted bounds are empty, not errors
	got, err = s.GetRange(ctx, testPair.Reverse(), kline.Interval1Min, 0, 240)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.GetRange(ctx, testPair, kline.Interval1Min, 240, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// go test -v --run TestPutClosedBarDuplicate
func TestPutClosedBarDuplicate(t *testing.T) {
	s := NewKlineStore(NewMemoryRepository())
	ctx := context.Background()

	require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval5Min, closedBar(300, 1, 1, 1, 1, 1)))
	err := s.PutClosedBar(ctx, testPair, kline.Interval5Min, closedBar(300, 2, 2, 2, 2, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kline.ErrDuplicateBar))

	got, err := s.GetRange(ctx, testPair, kline.Interval5Min, 300, 300)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Open)

	// same start under another interval is a different key
	require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(300, 1, 1, 1, 1, 1)))
}

// go test -v --run TestOpenSnapshot
func TestOpenSnapshot(t *testing.T) {
	s := NewKlineStore(NewMemoryRepository())
	ctx := context.Background()

	_, ok := s.GetLatestOpen(testPair, kline.Interval1Min)
	assert.False(t, ok)

	s.SetOpen(testPair, kline.Interval1Min, kline.Bar{Start: 60, Open: 1, High: 1, Low: 1, Close: 1, Trades: 1})
	s.SetOpen(testPair, kline.Interval1Min, kline.Bar{Start: 0, Open: 5, High: 5, Low: 5, Close: 5, Trades: 1})

	bar, ok := s.GetLatestOpen(testPair, kline.Interval1Min)
	require.True(t, ok)
	assert.Equal(t, int64(60), bar.Start)

	// closing an older bucket keeps the newer snapshot
	require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(0, 5, 5, 5, 5, 1)))
	_, ok = s.GetLatestOpen(testPair, kline.Interval1Min)
	assert.True(t, ok)

	require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(60, 1, 1, 1, 1, 1)))
	_, ok = s.GetLatestOpen(testPair, kline.Interval1Min)
	assert.False(t, ok)
}

// go test -v --run TestClearOpen
func TestClearOpen(t *testing.T) {
	s := NewKlineStore(NewMemoryRepository())

	s.SetOpen(testPair, kline.Interval1Min, kline.Bar{Start: 60, Open: 1, High: 1, Low: 1, Close: 1, Trades: 1})
	s.ClearOpen(testPair, kline.Interval1Min, 0)
	_, ok := s.GetLatestOpen(testPair, kline.Interval1Min)
	assert.True(t, ok)

	s.ClearOpen(testPair, kline.Interval1Min, 60)
	_, ok = s.GetLatestOpen(testPair, kline.Interval1Min)
	assert.False(t, ok)

	// unknown series is a no-op
	s.ClearOpen(testPair, kline.Interval5Min, 60)
}

// go test -v --run TestLatestClosedStartAndPrune
func TestLatestClosedStartAndPrune(t *testing.T) {
	repo := NewMemoryRepository()
	s := NewKlineStore(repo)
	ctx := context.Background()

	_, ok, err := s.LatestClosedStart(ctx, testPair, kline.Interval1Min)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, start := range []int64{0, 60, 120} {
		require.NoError(t, s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(start, 1, 1, 1, 1, 1)))
	}
	latest, ok, err := s.LatestClosedStart(ctx, testPair, kline.Interval1Min)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(120), latest)

	require.NoError(t, s.Prune(ctx, time.Unix(60, 0)))
	assert.Equal(t, 2, repo.CountAll())
}

// go test -v --run TestConcurrentReadersSeeWholeBars
func TestConcurrentReadersSeeWholeBars(t *testing.T) {
	s := NewKlineStore(NewMemoryRepository())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 500; i++ {
			_ = s.PutClosedBar(ctx, testPair, kline.Interval1Min, closedBar(i*60, 1, 2, 0.5, 1.5, 3))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			bars, err := s.GetRange(ctx, testPair, kline.Interval1Min, 0, 500*60)
			if !assert.NoError(t, err) {
				return
			}
			for _, b := range bars {
				assert.Equal(t, 3.0, b.Volume)
				assert.True(t, b.Closed)
			}
		}
	}()
	wg.Wait()
}
