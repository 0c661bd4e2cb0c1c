package ingest

import (
	"context"
	"sort"
	"time"

	"swapkline/internal/kline"
	"swapkline/internal/normalizer"
	"swapkline/internal/registry"
	"swapkline/pkg/swap"

	"go.uber.org/zap"
)

// backoff doubles the retry delay up to max and resets on success.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	switch {
	case b.cur == 0:
		b.cur = b.min
	case b.cur < b.max:
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

// poll fetches new transactions of one pool until ctx is cancelled.
func (r *Runner) poll(ctx context.Context, pool swap.Pool) {
	pair := registry.PairOf(pool)
	log := r.logger.With(zap.Uint64("pool_id", pool.PoolID), zap.Stringer("pair", pair))
	log.Info("poller started")
	defer log.Info("poller stopped")

	var (
		lastSeen uint64
		seen     bool
		bo       = backoff{min: r.cfg.BackoffMin, max: r.cfg.BackoffMax}
	)

	for {
		var startID *uint64
		if seen {
			next := lastSeen + 1
			startID = &next
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		txs, err := r.source.GetPoolTransactions(fetchCtx, pool, startID)
		cancel()

		wait := r.cfg.PollInterval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.next()
			log.Warn("failed to fetch transactions", zap.Duration("retry_in", wait), zap.Error(err))
		} else {
			maxID, ok, err := r.process(ctx, log, pair, lastSeen, seen, txs)
			if ok && (!seen || maxID > lastSeen) {
				lastSeen, seen = maxID, true
			}
			if err != nil {
				wait = bo.next()
				log.Warn("batch deferred", zap.Duration("retry_in", wait), zap.Error(err))
			} else {
				bo.reset()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// process normalizes a page of transactions and hands the swaps to the
// aggregator. It returns the highest transaction id handled; when the
// aggregator defers the batch that is the id just before the first unapplied
// trade, and the error is returned so the caller backs off.
func (r *Runner) process(ctx context.Context, log *zap.Logger, pair kline.Pair, lastSeen uint64, seen bool, txs []swap.Transaction) (uint64, bool, error) {
	if len(txs) == 0 {
		return 0, false, nil
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].TransactionID < txs[j].TransactionID })

	trades := make([]kline.Trade, 0, len(txs))
	for _, tx := range txs {
		if seen && tx.TransactionID <= lastSeen {
			continue
		}
		trade, err := normalizer.Normalize(tx, pair, false)
		if err != nil {
			log.Warn("dropping malformed transaction",
				zap.Uint64("transaction_id", tx.TransactionID), zap.Error(err))
			continue
		}
		if !trade.Side.IsSwap() {
			continue
		}
		trades = append(trades, trade)
	}

	if len(trades) > 0 {
		res := r.agg.ApplyBatch(ctx, pair, trades)
		log.Debug("applied batch",
			zap.Int("accepted", res.Accepted),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("late", res.Late))
		if res.Err != nil {
			if res.ResumeID == 0 {
				return 0, false, res.Err
			}
			return res.ResumeID - 1, true, res.Err
		}
	}
	return txs[len(txs)-1].TransactionID, true, nil
}
