// Package normalizer turns raw pool transactions into directional trades.
package normalizer

import (
	"fmt"

	"swapkline/internal/kline"
	"swapkline/pkg/swap"

	"github.com/shopspring/decimal"
)

// Normalize converts a pool transaction into a Trade for pair. pair is the pool's
// canonical orientation; reversed asks for the inverse base/quote view, in which
// case the returned trade carries pair.Reverse().
//
// Liquidity transactions come back with SideDeposit or SideBurn and the pool
// ratio as price; callers keep them out of OHLCV.
func Normalize(tx swap.Transaction, pair kline.Pair, reversed bool) (kline.Trade, error) {
	side, err := direction(tx.TransactionType, reversed)
	if err != nil {
		return kline.Trade{}, err
	}

	base, quote, err := legs(tx, reversed)
	if err != nil {
		return kline.Trade{}, err
	}

	price, _ := quote.Div(base).Float64()
	volume, _ := base.Float64()
	quoteVolume, _ := quote.Float64()

	if reversed {
		pair = pair.Reverse()
	}

	return kline.Trade{
		Pair:        pair,
		ID:          tx.TransactionID,
		Timestamp:   tx.UnixSeconds(),
		Price:       price,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		Side:        side,
	}, nil
}

func direction(t swap.TransactionType, reversed bool) (kline.Side, error) {
	switch t {
	case swap.AddLiquidity:
		return kline.SideDeposit, nil
	case swap.RemoveLiquidity:
		return kline.SideBurn, nil
	case swap.BuyToken0:
		if reversed {
			return kline.SideSell, nil
		}
		return kline.SideBuy, nil
	case swap.SellToken0:
		if reversed {
			return kline.SideBuy, nil
		}
		return kline.SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", kline.ErrInvalidTransactionType, t)
	}
}

// legs picks the base and quote amounts moved by tx in the requested orientation.
func legs(tx swap.Transaction, reversed bool) (base, quote decimal.Decimal, err error) {
	var amount0, amount1 *decimal.Decimal

	switch tx.TransactionType {
	case swap.AddLiquidity:
		amount0, amount1 = tx.Amount0In, tx.Amount1In
	case swap.RemoveLiquidity:
		amount0, amount1 = tx.Amount0Out, tx.Amount1Out
	default:
		// A swap populates one token0 leg and the opposite token1 leg.
		amount0 = firstPositive(tx.Amount0Out, tx.Amount0In)
		amount1 = firstPositive(tx.Amount1In, tx.Amount1Out)
	}

	if !positive(amount0) || !positive(amount1) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: transaction %d (%s)",
			kline.ErrInvalidAmount, tx.TransactionID, tx.TransactionType)
	}

	if reversed {
		return *amount1, *amount0, nil
	}
	return *amount0, *amount1, nil
}

func firstPositive(values ...*decimal.Decimal) *decimal.Decimal {
	for _, v := range values {
		if positive(v) {
			return v
		}
	}
	return nil
}

func positive(v *decimal.Decimal) bool {
	return v != nil && v.IsPositive()
}
