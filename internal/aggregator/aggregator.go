// Package aggregator buckets trades into OHLCV bars for every enabled interval.
//
// State is kept per pair behind a per-pair lock, so trades of one pair are
// applied strictly in arrival order while different pairs proceed in parallel.
// The boundary tick takes the same per-pair lock.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"swapkline/internal/kline"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 2 * time.Second

// BarStore receives closed bars and open-bar snapshots.
type BarStore interface {
	PutClosedBar(ctx context.Context, pair kline.Pair, interval kline.Interval, bar kline.Bar) error
	LatestClosedStart(ctx context.Context, pair kline.Pair, interval kline.Interval) (int64, bool, error)
	SetOpen(pair kline.Pair, interval kline.Interval, bar kline.Bar)
	ClearOpen(pair kline.Pair, interval kline.Interval, start int64)
}

// Publisher fans bar mutations out to subscribers. Publish must not block.
type Publisher interface {
	Publish(pair kline.Pair, interval kline.Interval, m kline.Mutation)
}

type Option func(*Aggregator)

// WithClock replaces the wall clock used for boundary closing.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithStoreTimeout bounds each store call made while closing a bar.
func WithStoreTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.storeTimeout = d }
}

type Aggregator struct {
	store        BarStore
	pub          Publisher
	intervals    []kline.Interval
	logger       *zap.Logger
	now          func() time.Time
	storeTimeout time.Duration

	globalMu sync.RWMutex
	pairs    map[kline.Pair]*pairState

	accepted    atomic.Int64
	duplicates  atomic.Int64
	late        atomic.Int64
	closed      atomic.Int64
	storeErrors atomic.Int64
	deferred    atomic.Int64
}

type pairState struct {
	mu     sync.Mutex
	series map[kline.Interval]*seriesState
}

type seriesState struct {
	open      map[int64]*bucket
	watermark int64 // start of the newest closed bucket
	hasMark   bool
	loaded    bool
}

type bucket struct {
	bar  kline.Bar
	seen map[uint64]struct{}
}

// Stats is a snapshot of the aggregator counters.
type Stats struct {
	Accepted    int64
	Duplicates  int64
	Late        int64
	ClosedBars  int64
	StoreErrors int64
	Deferred    int64 // trades refused because a watermark could not be loaded
}

// BatchResult summarizes one ApplyBatch call.
type BatchResult struct {
	Accepted   int
	Duplicates int
	Late       int
	Skipped    int

	// Deferred counts the trades left unapplied after Err stopped the batch.
	// The caller replays them starting at ResumeID.
	Deferred int
	ResumeID uint64
	Err      error
}

func New(store BarStore, pub Publisher, intervals []kline.Interval, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        store,
		pub:          pub,
		intervals:    intervals,
		logger:       logger.Named("aggregator"),
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
		pairs:        make(map[kline.Pair]*pairState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Intervals returns the enabled intervals.
func (a *Aggregator) Intervals() []kline.Interval {
	out := make([]kline.Interval, len(a.intervals))
	copy(out, a.intervals)
	return out
}

func (a *Aggregator) pair(p kline.Pair) *pairState {
	a.globalMu.RLock()
	st, ok := a.pairs[p]
	a.globalMu.RUnlock()
	if ok {
		return st
	}

	a.globalMu.Lock()
	defer a.globalMu.Unlock()
	if st, ok = a.pairs[p]; !ok {
		st = &pairState{series: make(map[kline.Interval]*seriesState, len(a.intervals))}
		for _, iv := range a.intervals {
			st.series[iv] = &seriesState{open: make(map[int64]*bucket)}
		}
		a.pairs[p] = st
	}
	return st
}

// Apply applies a single trade, then closes every bucket the wall clock has passed.
// The returned error combines the per-interval rejections (kline.ErrLateTrade,
// kline.ErrDuplicateTrade); the trade may still have been accepted by other intervals.
// An error wrapping kline.ErrWatermarkUnavailable means nothing was applied and
// the trade should be retried.
func (a *Aggregator) Apply(ctx context.Context, trade kline.Trade) error {
	if !trade.Side.IsSwap() {
		return fmt.Errorf("trade %d (%s): %w", trade.ID, trade.Side, kline.ErrNotSwap)
	}

	st := a.pair(trade.Pair)
	st.mu.Lock()
	defer st.mu.Unlock()

	a.closeThrough(ctx, trade.Pair, st, a.cutoff(trade.Timestamp))
	err := a.apply(ctx, trade.Pair, st, trade)
	a.closeThrough(ctx, trade.Pair, st, a.now().Unix())
	return err
}

// ApplyBatch applies trades of one pair in the given order without releasing the
// pair. Buckets ending at or before a trade's timestamp are closed before that
// trade is applied, and buckets the wall clock has passed are closed at the end,
// so a replayed backlog rebuilds its historical buckets instead of dropping them.
// A trade timestamp ahead of the wall clock never closes a bucket early.
//
// When a watermark cannot be loaded the batch stops at that trade and the
// result carries the error together with the id to resume from.
func (a *Aggregator) ApplyBatch(ctx context.Context, pair kline.Pair, trades []kline.Trade) BatchResult {
	var res BatchResult

	st := a.pair(pair)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i, trade := range trades {
		if trade.Pair != pair || !trade.Side.IsSwap() {
			res.Skipped++
			continue
		}

		a.closeThrough(ctx, pair, st, a.cutoff(trade.Timestamp))
		err := a.apply(ctx, pair, st, trade)
		if err == nil {
			res.Accepted++
			continue
		}
		if errors.Is(err, kline.ErrWatermarkUnavailable) {
			res.Err = err
			res.ResumeID = trade.ID
			res.Deferred = len(trades) - i
			a.logger.Warn("batch deferred",
				zap.Stringer("pair", pair),
				zap.Uint64("resume_id", trade.ID),
				zap.Int("deferred", res.Deferred),
				zap.Error(err))
			break
		}

		fields := []zap.Field{
			zap.Stringer("pair", pair),
			zap.Uint64("trade_id", trade.ID),
			zap.Int64("timestamp", trade.Timestamp),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, kline.ErrLateTrade):
			res.Late++
			a.logger.Debug("late trade dropped", fields...)
		case errors.Is(err, kline.ErrDuplicateTrade):
			res.Duplicates++
			a.logger.Debug("duplicate trade dropped", fields...)
		default:
			a.logger.Warn("trade rejected", fields...)
		}
	}

	a.closeThrough(ctx, pair, st, a.now().Unix())
	return res
}

// Tick closes, for every pair, the buckets whose end is at or before now.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) {
	a.globalMu.RLock()
	pairs := make(map[kline.Pair]*pairState, len(a.pairs))
	for p, st := range a.pairs {
		pairs[p] = st
	}
	a.globalMu.RUnlock()

	cutoff := now.Unix()
	for p, st := range pairs {
		st.mu.Lock()
		a.closeThrough(ctx, p, st, cutoff)
		st.mu.Unlock()
	}
}

// Open returns the in-progress bars of a series, ascending by start.
func (a *Aggregator) Open(pair kline.Pair, interval kline.Interval) []kline.Bar {
	a.globalMu.RLock()
	st, ok := a.pairs[pair]
	a.globalMu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	ser, ok := st.series[interval]
	if !ok {
		return nil
	}
	out := make([]kline.Bar, 0, len(ser.open))
	for _, b := range ser.open {
		out = append(out, b.bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Stats returns the current counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Accepted:    a.accepted.Load(),
		Duplicates:  a.duplicates.Load(),
		Late:        a.late.Load(),
		ClosedBars:  a.closed.Load(),
		StoreErrors: a.storeErrors.Load(),
		Deferred:    a.deferred.Load(),
	}
}

// cutoff bounds a source-time close point by the wall clock.
func (a *Aggregator) cutoff(ts int64) int64 {
	if now := a.now().Unix(); ts > now {
		return now
	}
	return ts
}

// apply folds trade into each interval's bucket. Caller holds st.mu.
// Every watermark is loaded before any bucket is touched, so a store failure
// leaves the pair unchanged.
func (a *Aggregator) apply(ctx context.Context, pair kline.Pair, st *pairState, trade kline.Trade) error {
	for _, iv := range a.intervals {
		if err := a.loadWatermark(ctx, pair, iv, st.series[iv]); err != nil {
			a.deferred.Add(1)
			return fmt.Errorf("trade %d: %w", trade.ID, err)
		}
	}

	var errs error
	accepted := false

	for _, iv := range a.intervals {
		ser := st.series[iv]
		start := iv.BucketStart(trade.Timestamp)
		if ser.hasMark && start <= ser.watermark {
			errs = multierr.Append(errs, fmt.Errorf("%s bucket %d: %w", iv, start, kline.ErrLateTrade))
			continue
		}

		b, ok := ser.open[start]
		switch {
		case !ok:
			b = &bucket{bar: kline.NewBar(start, trade), seen: map[uint64]struct{}{trade.ID: {}}}
			ser.open[start] = b
		case hasSeen(b, trade.ID):
			errs = multierr.Append(errs, fmt.Errorf("%s bucket %d: %w", iv, start, kline.ErrDuplicateTrade))
			continue
		default:
			b.bar.Merge(trade)
			b.seen[trade.ID] = struct{}{}
		}

		accepted = true
		a.store.SetOpen(pair, iv, b.bar)
		a.pub.Publish(pair, iv, kline.Mutation{Kind: kline.BarUpdated, Pair: pair, Interval: iv, Bar: b.bar})
	}

	switch {
	case accepted:
		a.accepted.Add(1)
	case errors.Is(errs, kline.ErrLateTrade):
		a.late.Add(1)
	case errors.Is(errs, kline.ErrDuplicateTrade):
		a.duplicates.Add(1)
	}
	if accepted {
		// Partially accepted trades are not reported as rejected.
		return nil
	}
	return errs
}

// closeThrough closes every open bucket whose end is at or before cutoff,
// oldest first. Caller holds st.mu.
func (a *Aggregator) closeThrough(ctx context.Context, pair kline.Pair, st *pairState, cutoff int64) {
	for _, iv := range a.intervals {
		ser := st.series[iv]
		if len(ser.open) == 0 {
			continue
		}

		var due []int64
		for start := range ser.open {
			if iv.BucketEnd(start) <= cutoff {
				due = append(due, start)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

		for _, start := range due {
			a.closeBucket(ctx, pair, iv, ser, start)
		}
	}
}

func (a *Aggregator) closeBucket(ctx context.Context, pair kline.Pair, iv kline.Interval, ser *seriesState, start int64) {
	b := ser.open[start]
	delete(ser.open, start)

	bar := b.bar
	bar.Closed = true

	// Persist even when ctx is being cancelled so shutdown never leaves a bar half-handled.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.storeTimeout)
	err := a.store.PutClosedBar(storeCtx, pair, iv, bar)
	cancel()
	a.store.ClearOpen(pair, iv, start)
	if err != nil {
		a.storeErrors.Add(1)
		a.logger.Error("failed to persist closed bar",
			zap.Stringer("pair", pair),
			zap.String("interval", string(iv)),
			zap.Int64("start", start),
			zap.Error(err))
	}

	if !ser.hasMark || start > ser.watermark {
		ser.watermark = start
		ser.hasMark = true
	}
	a.closed.Add(1)
	a.pub.Publish(pair, iv, kline.Mutation{Kind: kline.BarClosed, Pair: pair, Interval: iv, Bar: bar})
}

// loadWatermark seeds the closed watermark of a series from the store once.
// A failed load is retried on the next trade.
func (a *Aggregator) loadWatermark(ctx context.Context, pair kline.Pair, iv kline.Interval, ser *seriesState) error {
	if ser.loaded {
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	latest, ok, err := a.store.LatestClosedStart(storeCtx, pair, iv)
	cancel()
	if err != nil {
		a.logger.Warn("failed to load closed watermark",
			zap.Stringer("pair", pair), zap.String("interval", string(iv)), zap.Error(err))
		return fmt.Errorf("%s %s: %w: %v", pair, iv, kline.ErrWatermarkUnavailable, err)
	}

	ser.loaded = true
	if ok && (!ser.hasMark || latest > ser.watermark) {
		ser.watermark = latest
		ser.hasMark = true
	}
	return nil
}

func hasSeen(b *bucket, id uint64) bool {
	_, ok := b.seen[id]
	return ok
}
