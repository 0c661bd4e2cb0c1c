package kline

import "errors"

var (
	// ErrInvalidTransactionType is returned for a raw record whose type has no trade mapping.
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	// ErrInvalidAmount is returned when the legs needed for price or volume are missing or zero.
	ErrInvalidAmount = errors.New("invalid transaction amount")
	// ErrDuplicateTrade is returned when a trade id was already applied to an open bucket.
	ErrDuplicateTrade = errors.New("duplicate trade")
	// ErrLateTrade is returned when a trade targets a bucket that has already closed.
	ErrLateTrade = errors.New("late trade dropped")
	// ErrDuplicateBar is returned by a store when a closed bar with the same key exists.
	ErrDuplicateBar = errors.New("duplicate bar")
	// ErrInvalidInterval is returned for an interval outside the fixed table.
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrWatermarkUnavailable is returned when the closed watermark of a series
	// cannot be read, so lateness of a trade cannot be decided.
	ErrWatermarkUnavailable = errors.New("closed watermark unavailable")
	// ErrNotSwap is returned when a liquidity event is handed to the aggregator.
	ErrNotSwap = errors.New("liquidity event excluded from OHLCV")
)
