// Package store persists closed bars and keeps a snapshot of the bars still in progress.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swapkline/internal/kline"
)

// Repository persists closed bars. Implementations must make InsertBar atomic
// relative to ListBars and return kline.ErrDuplicateBar for an existing key.
type Repository interface {
	InsertBar(ctx context.Context, pair kline.Pair, interval kline.Interval, bar kline.Bar) error
	ListBars(ctx context.Context, pair kline.Pair, interval kline.Interval, start, end int64) ([]kline.Bar, error)
	LatestBarStart(ctx context.Context, pair kline.Pair, interval kline.Interval) (int64, bool, error)
	DeleteBarsBefore(ctx context.Context, before time.Time) error
}

type seriesKey struct {
	pair     kline.Pair
	interval kline.Interval
}

// KlineStore combines a closed-bar Repository with the latest open bar per series.
type KlineStore struct {
	repo Repository

	mu   sync.RWMutex
	open map[seriesKey]kline.Bar
}

func NewKlineStore(repo Repository) *KlineStore {
	return &KlineStore{
		repo: repo,
		open: make(map[seriesKey]kline.Bar),
	}
}

// PutClosedBar persists a closed bar and drops the matching open snapshot.
func (s *KlineStore) PutClosedBar(ctx context.Context, pair kline.Pair, interval kline.Interval, bar kline.Bar) error {
	bar.Closed = true
	if err := s.repo.InsertBar(ctx, pair, interval, bar); err != nil {
		return fmt.Errorf("put closed bar %s %s %d: %w", pair, interval, bar.Start, err)
	}
	s.ClearOpen(pair, interval, bar.Start)
	return nil
}

// ClearOpen retires the open snapshot of a series if it belongs to a bucket
// starting at or before start. Closing a bucket calls it whether or not the
// bar could be persisted.
func (s *KlineStore) ClearOpen(pair kline.Pair, interval kline.Interval, start int64) {
	key := seriesKey{pair: pair, interval: interval}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.open[key]; ok && cur.Start <= start {
		delete(s.open, key)
	}
}

// GetRange returns closed bars with start in [start, end], ascending. Buckets
// without trades are absent.
func (s *KlineStore) GetRange(ctx context.Context, pair kline.Pair, interval kline.Interval, start, end int64) ([]kline.Bar, error) {
	if end < start {
		return []kline.Bar{}, nil
	}
	bars, err := s.repo.ListBars(ctx, pair, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("get range %s %s: %w", pair, interval, err)
	}
	if bars == nil {
		bars = []kline.Bar{}
	}
	return bars, nil
}

// GetLatestOpen returns the in-progress bar of a series, if any.
func (s *KlineStore) GetLatestOpen(pair kline.Pair, interval kline.Interval) (kline.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bar, ok := s.open[seriesKey{pair: pair, interval: interval}]
	return bar, ok
}

// SetOpen records the current state of an in-progress bar. Older buckets never
// replace a newer snapshot.
func (s *KlineStore) SetOpen(pair kline.Pair, interval kline.Interval, bar kline.Bar) {
	key := seriesKey{pair: pair, interval: interval}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.open[key]; ok && cur.Start > bar.Start {
		return
	}
	s.open[key] = bar
}

// LatestClosedStart returns the bucket start of the newest persisted bar of a series.
func (s *KlineStore) LatestClosedStart(ctx context.Context, pair kline.Pair, interval kline.Interval) (int64, bool, error) {
	return s.repo.LatestBarStart(ctx, pair, interval)
}

// Prune deletes closed bars that started before the cutoff.
func (s *KlineStore) Prune(ctx context.Context, before time.Time) error {
	return s.repo.DeleteBarsBefore(ctx, before)
}
