// Package kline holds the domain types shared by the normalizer, aggregator,
// store and broadcaster.
package kline

import "fmt"

// NativeToken names the chain's native token when a pool has no token1 application.
const NativeToken = "native"

// Pair identifies a trading pair by its two token identifiers. Token0 is the base
// and Token1 the quote in the pool's canonical orientation.
type Pair struct {
	Token0 string `json:"token_0"`
	Token1 string `json:"token_1"`
}

// Reverse swaps base and quote.
func (p Pair) Reverse() Pair {
	return Pair{Token0: p.Token1, Token1: p.Token0}
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Token0, p.Token1)
}

// Side is the direction of a normalized trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	// SideDeposit and SideBurn classify liquidity events. They never reach a bar.
	SideDeposit Side = "deposit"
	SideBurn    Side = "burn"
)

// IsSwap reports whether the side contributes to OHLCV.
func (s Side) IsSwap() bool {
	return s == SideBuy || s == SideSell
}

// Trade is one normalized market event.
type Trade struct {
	Pair        Pair
	ID          uint64  // source transaction id, dedup key
	Timestamp   int64   // unix seconds, source clock
	Price       float64 // quote per base
	Volume      float64 // base units
	QuoteVolume float64 // quote units
	Side        Side
}

// Bar is the OHLCV aggregate of one bucket.
type Bar struct {
	Start       int64   `json:"timestamp"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Trades      int     `json:"trades"`
	Closed      bool    `json:"closed"`
}

// NewBar opens a bar with a single trade.
func NewBar(start int64, t Trade) Bar {
	return Bar{
		Start:       start,
		Open:        t.Price,
		High:        t.Price,
		Low:         t.Price,
		Close:       t.Price,
		Volume:      t.Volume,
		QuoteVolume: t.QuoteVolume,
		Trades:      1,
	}
}

// Merge folds a trade into the bar.
func (b *Bar) Merge(t Trade) {
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Volume
	b.QuoteVolume += t.QuoteVolume
	b.Trades++
}

// Reversed returns the bar seen from the inverted orientation.
func (b Bar) Reversed() Bar {
	out := b
	out.Open = reciprocal(b.Open)
	out.Close = reciprocal(b.Close)
	out.High = reciprocal(b.Low)
	out.Low = reciprocal(b.High)
	out.Volume = b.QuoteVolume
	out.QuoteVolume = b.Volume
	return out
}

func reciprocal(v float64) float64 {
	if v == 0 {
		return 0
	}
	return 1 / v
}

// MutationKind tags a bar change pushed to subscribers.
type MutationKind string

const (
	BarUpdated MutationKind = "bar_updated"
	BarClosed  MutationKind = "bar_closed"
)

// Mutation is a bar change for one (pair, interval).
type Mutation struct {
	Kind     MutationKind `json:"kind"`
	Pair     Pair         `json:"pair"`
	Interval Interval     `json:"interval"`
	Bar      Bar          `json:"bar"`
}
