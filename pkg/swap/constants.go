package swap

// TransactionType is the kind of a pool transaction as reported by the swap application.
type TransactionType string

const (
	AddLiquidity    TransactionType = "AddLiquidity"
	RemoveLiquidity TransactionType = "RemoveLiquidity"
	BuyToken0       TransactionType = "BuyToken0"
	SellToken0      TransactionType = "SellToken0"
)

// validTransactionTypes lists the types the pool application emits.
var validTransactionTypes = map[TransactionType]struct{}{
	AddLiquidity:    {},
	RemoveLiquidity: {},
	BuyToken0:       {},
	SellToken0:      {},
}

// IsValid checks if the TransactionType is one of the known pool transaction kinds.
func (t TransactionType) IsValid() bool {
	_, ok := validTransactionTypes[t]
	return ok
}

// IsSwap reports whether the transaction moves tokens through the pool as a trade.
func (t TransactionType) IsSwap() bool {
	return t == BuyToken0 || t == SellToken0
}

const (
	poolsQuery        = "query {\n pools {\n poolId\n token0\n token1\n poolApplication\n latestTransaction\n token0Price\n token1Price\n }\n}"
	transactionsQuery = "query {\n latestTransactions \n}"
	chainsQuery       = "query {\n chains {\n default\n }\n}"
	probeQuery        = "query {\n poolId\n}"
)
