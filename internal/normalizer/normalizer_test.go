package normalizer

import (
	"errors"
	"testing"

	"swapkline/internal/kline"
	"swapkline/pkg/swap"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPair = kline.Pair{Token0: "meme", Token1: kline.NativeToken}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func buyTx() swap.Transaction {
	// pays 20 token1, receives 10 token0
	return swap.Transaction{
		TransactionID:   3,
		TransactionType: swap.BuyToken0,
		Amount1In:       amount("20"),
		Amount0Out:      amount("10"),
		CreatedAt:       1_700_000_042_000_000,
	}
}

func sellTx() swap.Transaction {
	// pays 4 token0, receives 6 token1
	return swap.Transaction{
		TransactionID:   4,
		TransactionType: swap.SellToken0,
		Amount0In:       amount("4"),
		Amount1Out:      amount("6"),
		CreatedAt:       1_700_000_043_000_000,
	}
}

// go test -v --run TestNormalizeBuy
func TestNormalizeBuy(t *testing.T) {
	trade, err := Normalize(buyTx(), testPair, false)
	require.NoError(t, err)

	assert.Equal(t, kline.SideBuy, trade.Side)
	assert.Equal(t, testPair, trade.Pair)
	assert.Equal(t, uint64(3), trade.ID)
	assert.Equal(t, int64(1_700_000_042), trade.Timestamp)
	assert.InDelta(t, 2.0, trade.Price, 1e-12)
	assert.InDelta(t, 10.0, trade.Volume, 1e-12)
	assert.InDelta(t, 20.0, trade.QuoteVolume, 1e-12)
}

// go test -v --run TestNormalizeSell
func TestNormalizeSell(t *testing.T) {
	trade, err := Normalize(sellTx(), testPair, false)
	require.NoError(t, err)

	assert.Equal(t, kline.SideSell, trade.Side)
	assert.InDelta(t, 1.5, trade.Price, 1e-12)
	assert.InDelta(t, 4.0, trade.Volume, 1e-12)
}

// go test -v --run TestNormalizeReversalSymmetry
func TestNormalizeReversalSymmetry(t *testing.T) {
	for _, tx := range []swap.Transaction{buyTx(), sellTx()} {
		straight, err := Normalize(tx, testPair, false)
		require.NoError(t, err)
		reversed, err := Normalize(tx, testPair, true)
		require.NoError(t, err)

		assert.InDelta(t, 1/straight.Price, reversed.Price, 1e-12)
		assert.NotEqual(t, straight.Side, reversed.Side)
		assert.Equal(t, testPair.Reverse(), reversed.Pair)
		assert.InDelta(t, straight.QuoteVolume, reversed.Volume, 1e-12)
		assert.InDelta(t, straight.Volume, reversed.QuoteVolume, 1e-12)
	}
}

// go test -v --run TestNormalizeReversedVolume
func TestNormalizeReversedVolume(t *testing.T) {
	// buy-base reversed reports the token1 paid in, sell-base reversed the token1 paid out
	buy, err := Normalize(buyTx(), testPair, true)
	require.NoError(t, err)
	assert.Equal(t, kline.SideSell, buy.Side)
	assert.InDelta(t, 20.0, buy.Volume, 1e-12)

	sell, err := Normalize(sellTx(), testPair, true)
	require.NoError(t, err)
	assert.Equal(t, kline.SideBuy, sell.Side)
	assert.InDelta(t, 6.0, sell.Volume, 1e-12)
}

// go test -v --run TestNormalizeLiquidity
func TestNormalizeLiquidity(t *testing.T) {
	deposit := swap.Transaction{
		TransactionID:   1,
		TransactionType: swap.AddLiquidity,
		Amount0In:       amount("100"),
		Amount1In:       amount("50"),
		CreatedAt:       1_700_000_000_000_000,
	}
	trade, err := Normalize(deposit, testPair, false)
	require.NoError(t, err)
	assert.Equal(t, kline.SideDeposit, trade.Side)
	assert.False(t, trade.Side.IsSwap())
	assert.InDelta(t, 0.5, trade.Price, 1e-12)

	burn := swap.Transaction{
		TransactionID:   2,
		TransactionType: swap.RemoveLiquidity,
		Amount0Out:      amount("10"),
		Amount1Out:      amount("30"),
		CreatedAt:       1_700_000_000_000_000,
	}
	trade, err = Normalize(burn, testPair, true)
	require.NoError(t, err)
	assert.Equal(t, kline.SideBurn, trade.Side)
	assert.InDelta(t, 1.0/3.0, trade.Price, 1e-12)
}

// go test -v --run TestNormalizeInvalidType
func TestNormalizeInvalidType(t *testing.T) {
	tx := buyTx()
	tx.TransactionType = "Mint"

	_, err := Normalize(tx, testPair, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kline.ErrInvalidTransactionType))
}

// go test -v --run TestNormalizeMissingLeg
func TestNormalizeMissingLeg(t *testing.T) {
	tx := buyTx()
	tx.Amount0Out = nil

	_, err := Normalize(tx, testPair, false)
	assert.ErrorIs(t, err, kline.ErrInvalidAmount)

	tx = sellTx()
	tx.Amount1Out = amount("0")
	_, err = Normalize(tx, testPair, false)
	assert.ErrorIs(t, err, kline.ErrInvalidAmount)
}
