package swap

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// GraphQLResponse is the envelope returned by every linera service endpoint.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`   // Delay decoding, payload varies per query
	Errors []GraphQLError  `json:"errors"` // Present when the query failed
}

type GraphQLError struct {
	Message string `json:"message"`
}

// Account is a chain-qualified owner, e.g. an application running on a microchain.
type Account struct {
	ChainID string `json:"chainId" validate:"required"`
	Owner   string `json:"owner" validate:"required"` // e.g. "Application:<id>"
}

// ShortOwner strips the owner kind prefix ("Application:abc" -> "abc").
func (a Account) ShortOwner() string {
	if idx := strings.Index(a.Owner, ":"); idx >= 0 {
		return a.Owner[idx+1:]
	}
	return a.Owner
}

// Pool is one liquidity pool of the swap application.
type Pool struct {
	PoolID            uint64           `json:"poolId"`
	Token0            string           `json:"token0" validate:"required"`
	Token1            *string          `json:"token1"` // nil means the native token
	PoolApplication   Account          `json:"poolApplication"`
	LatestTransaction *Transaction     `json:"latestTransaction"`
	Token0Price       *decimal.Decimal `json:"token0Price"`
	Token1Price       *decimal.Decimal `json:"token1Price"`
}

// Transaction is one pool event. Amount legs are nil when the event does not move that leg.
type Transaction struct {
	TransactionID   uint64           `json:"transactionId"`
	TransactionType TransactionType  `json:"transactionType" validate:"required"`
	From            *Account         `json:"from"`
	Amount0In       *decimal.Decimal `json:"amount0In"`
	Amount1In       *decimal.Decimal `json:"amount1In"`
	Amount0Out      *decimal.Decimal `json:"amount0Out"`
	Amount1Out      *decimal.Decimal `json:"amount1Out"`
	Liquidity       *decimal.Decimal `json:"liquidity"`
	CreatedAt       int64            `json:"createdAt" validate:"gt=0"` // microseconds since epoch
}

// Time returns the creation time of the transaction.
func (t Transaction) Time() time.Time {
	return time.UnixMicro(t.CreatedAt).UTC()
}

// UnixSeconds returns the creation time truncated to seconds.
func (t Transaction) UnixSeconds() int64 {
	return t.CreatedAt / int64(time.Second/time.Microsecond)
}

type poolsResult struct {
	Pools []Pool `json:"pools" validate:"dive"`
}

type transactionsResult struct {
	LatestTransactions []Transaction `json:"latestTransactions" validate:"dive"`
}

type chainsResult struct {
	Chains struct {
		Default string `json:"default" validate:"required"`
	} `json:"chains"`
}

type applicationsResult struct {
	Applications []struct {
		ID string `json:"id"`
	} `json:"applications"`
}

// ParseError reports an upstream payload that does not match the expected shape.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
