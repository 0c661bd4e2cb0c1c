// Package ingest drives the pipeline: it discovers pools, polls their
// transactions, feeds the aggregator, ticks bucket boundaries and prunes old bars.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"swapkline/internal/aggregator"
	"swapkline/internal/kline"
	"swapkline/internal/registry"
	"swapkline/pkg/swap"

	"go.uber.org/zap"
)

// Source is the upstream trade source.
type Source interface {
	GetPools(ctx context.Context) ([]swap.Pool, error)
	GetPoolTransactions(ctx context.Context, pool swap.Pool, startID *uint64) ([]swap.Transaction, error)
}

type Aggregator interface {
	ApplyBatch(ctx context.Context, pair kline.Pair, trades []kline.Trade) aggregator.BatchResult
	Tick(ctx context.Context, now time.Time)
}

// Pruner deletes closed bars older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) error
}

type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	PoolRefresh  time.Duration
	Tick         time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	Retention    time.Duration // 0 keeps bars forever
}

func (c Config) validate() error {
	if c.Timeout <= 0 || c.PollInterval <= 0 || c.PoolRefresh <= 0 || c.Tick <= 0 {
		return errors.New("ingest: timeout, poll interval, pool refresh and tick must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return errors.New("ingest: invalid backoff bounds")
	}
	return nil
}

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Runner owns the ingestion goroutines. Its lifecycle is stopped -> running ->
// stopping -> stopped.
type Runner struct {
	cfg      Config
	source   Source
	registry *registry.Registry
	agg      Aggregator
	pruner   Pruner
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	pollers map[uint64]struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a stopped runner. pruner may be nil.
func NewRunner(cfg Config, source Source, reg *registry.Registry, agg Aggregator, pruner Pruner, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		source:   source,
		registry: reg,
		agg:      agg,
		pruner:   pruner,
		logger:   logger.Named("ingest"),
		now:      time.Now,
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches ingestion. It reports false without side effects when the
// runner is not stopped. The runner outlives ctx's cancellation; use Stop.
func (r *Runner) Start(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateStopped {
		return false, nil
	}
	if err := r.cfg.validate(); err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.pollers = make(map[uint64]struct{})
	r.state = StateRunning

	r.wg.Add(2)
	go r.discover(runCtx)
	go r.tick(runCtx)

	if r.pruner != nil && r.cfg.Retention > 0 {
		sched := &MidnightScheduler{Run: r.prune, Now: r.now}
		sched.Start(runCtx, &r.wg)
	}

	r.logger.Info("ingestion started")
	return true, nil
}

// Stop cancels ingestion and waits for in-flight batches to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	r.logger.Info("ingestion stopped")
}

// discover loads the pool list now and every PoolRefresh, starting a poller for each new pool.
func (r *Runner) discover(ctx context.Context) {
	defer r.wg.Done()

	loader := &PoolLoader{Source: r.source, Timeout: r.cfg.Timeout, Logger: r.logger}
	bo := backoff{min: r.cfg.BackoffMin, max: r.cfg.BackoffMax}

	for {
		ch := make(chan swap.Pool, 100)
		done := r.registry.StartWorker(ch)
		err := loader.LoadPools(ctx, ch)
		<-done

		wait := r.cfg.PoolRefresh
		if err != nil && ctx.Err() == nil {
			wait = bo.next()
			r.logger.Warn("failed to load pools", zap.Duration("retry_in", wait), zap.Error(err))
		} else {
			bo.reset()
		}
		r.spawnPollers(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Runner) spawnPollers(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	for _, pool := range r.registry.All() {
		if _, ok := r.pollers[pool.PoolID]; ok {
			continue
		}
		r.pollers[pool.PoolID] = struct{}{}
		r.wg.Add(1)
		go func(pool swap.Pool) {
			defer r.wg.Done()
			r.poll(ctx, pool)
		}(pool)
	}
}

// tick closes finished buckets on the wall clock.
func (r *Runner) tick(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.agg.Tick(ctx, r.now())
		}
	}
}

func (r *Runner) prune(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.Retention)
	if err := r.pruner.Prune(ctx, cutoff); err != nil {
		r.logger.Warn("failed to prune bars", zap.Time("before", cutoff), zap.Error(err))
		return
	}
	r.logger.Info("pruned bars", zap.Time("before", cutoff))
}
