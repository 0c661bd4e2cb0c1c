package ingest

import (
	"context"
	"time"

	"swapkline/pkg/swap"

	"go.uber.org/zap"
)

// resolver is implemented by sources that must discover their endpoint first.
type resolver interface {
	Resolve(ctx context.Context) error
}

// PoolLoader streams the pools of the swap application into a channel.
type PoolLoader struct {
	Source  Source
	Timeout time.Duration
	Logger  *zap.Logger
}

// LoadPools fetches every pool and streams it into ch, closing ch when done so
// downstream consumers can exit.
func (l *PoolLoader) LoadPools(ctx context.Context, ch chan<- swap.Pool) error {
	defer close(ch)

	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	if res, ok := l.Source.(resolver); ok {
		if err := res.Resolve(ctx); err != nil {
			return err
		}
	}

	pools, err := l.Source.GetPools(ctx)
	if err != nil {
		return err
	}
	l.Logger.Debug("loaded pools", zap.Int("count", len(pools)))

	for _, pool := range pools {
		select {
		case ch <- pool:
		case <-ctx.Done():
			l.Logger.Warn("pool streaming interrupted", zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
	return nil
}
