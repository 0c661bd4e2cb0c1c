package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"swapkline/internal/kline"
)

// MemoryRepository keeps closed bars in process memory, one sorted series per
// (pair, interval).
type MemoryRepository struct {
	globalMu sync.RWMutex
	data     map[seriesKey]*barSeries
}

type barSeries struct {
	mu   sync.RWMutex
	bars []kline.Bar // ascending by Start
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data: make(map[seriesKey]*barSeries),
	}
}

func (r *MemoryRepository) series(key seriesKey, create bool) *barSeries {
	// Fast path: shared lock on the series map only
	r.globalMu.RLock()
	s, ok := r.data[key]
	r.globalMu.RUnlock()
	if ok || !create {
		return s
	}

	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	if s, ok = r.data[key]; !ok {
		s = &barSeries{}
		r.data[key] = s
	}
	return s
}

func (r *MemoryRepository) InsertBar(_ context.Context, pair kline.Pair, interval kline.Interval, bar kline.Bar) error {
	s := r.series(seriesKey{pair: pair, interval: interval}, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Start >= bar.Start })
	if idx < len(s.bars) && s.bars[idx].Start == bar.Start {
		return kline.ErrDuplicateBar
	}
	s.bars = append(s.bars, kline.Bar{})
	copy(s.bars[idx+1:], s.bars[idx:])
	s.bars[idx] = bar
	return nil
}

func (r *MemoryRepository) ListBars(_ context.Context, pair kline.Pair, interval kline.Interval, start, end int64) ([]kline.Bar, error) {
	s := r.series(seriesKey{pair: pair, interval: interval}, false)
	if s == nil {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Start >= start })
	hi := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Start > end })
	if lo >= hi {
		return nil, nil
	}
	cp := make([]kline.Bar, hi-lo)
	copy(cp, s.bars[lo:hi])
	return cp, nil
}

func (r *MemoryRepository) LatestBarStart(_ context.Context, pair kline.Pair, interval kline.Interval) (int64, bool, error) {
	s := r.series(seriesKey{pair: pair, interval: interval}, false)
	if s == nil {
		return 0, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return 0, false, nil
	}
	return s.bars[len(s.bars)-1].Start, true, nil
}

func (r *MemoryRepository) DeleteBarsBefore(_ context.Context, before time.Time) error {
	cut := before.Unix()

	r.globalMu.RLock()
	defer r.globalMu.RUnlock()

	for _, s := range r.data {
		s.mu.Lock()
		idx := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Start >= cut })
		s.bars = append([]kline.Bar(nil), s.bars[idx:]...)
		s.mu.Unlock()
	}
	return nil
}

// CountAll returns the total number of bars stored across all series.
func (r *MemoryRepository) CountAll() int {
	r.globalMu.RLock()
	defer r.globalMu.RUnlock()

	total := 0
	for _, s := range r.data {
		s.mu.RLock()
		total += len(s.bars)
		s.mu.RUnlock()
	}
	return total
}
