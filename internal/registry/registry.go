// Package registry tracks the known pools and their canonical pair orientation.
package registry

import (
	"sort"
	"sync"

	"swapkline/internal/kline"
	"swapkline/pkg/swap"
)

// PairOf returns the canonical pair of a pool. A pool without token1 trades
// against the native token.
func PairOf(p swap.Pool) kline.Pair {
	quote := kline.NativeToken
	if p.Token1 != nil && *p.Token1 != "" {
		quote = *p.Token1
	}
	return kline.Pair{Token0: p.Token0, Token1: quote}
}

type Registry struct {
	mu    sync.RWMutex
	pools map[uint64]swap.Pool
	pairs map[kline.Pair]uint64
}

func New() *Registry {
	return &Registry{
		pools: make(map[uint64]swap.Pool),
		pairs: make(map[kline.Pair]uint64),
	}
}

// Add records a pool and reports whether it was not known before.
func (r *Registry) Add(pool swap.Pool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.pools[pool.PoolID]
	r.pools[pool.PoolID] = pool
	r.pairs[PairOf(pool)] = pool.PoolID
	return !known
}

// StartWorker adds every pool received on ch. The returned channel is closed
// once ch is drained.
func (r *Registry) StartWorker(ch <-chan swap.Pool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pool := range ch {
			r.Add(pool)
		}
	}()
	return done
}

// All returns the known pools ordered by id.
func (r *Registry) All() []swap.Pool {
	r.mu.RLock()
	out := make([]swap.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Resolve maps a requested (token0, token1) to the canonical pair of a known
// pool. reversed is true when the request names the pool's tokens the other way
// round. ok is false for an unknown pair, in which case the request is returned
// as is.
func (r *Registry) Resolve(token0, token1 string) (pair kline.Pair, reversed bool, ok bool) {
	req := kline.Pair{Token0: token0, Token1: token1}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, found := r.pairs[req]; found {
		return req, false, true
	}
	if _, found := r.pairs[req.Reverse()]; found {
		return req.Reverse(), true, true
	}
	return req, false, false
}
