package query

import (
	"github.com/shopspring/decimal"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Every response carries AsOfHeight, the number of committed blocks the
// answer reflects.

type StatusResponse struct {
	Height       int64      `json:"height"`
	Tip          chain.Hash `json:"tip"`
	MempoolSize  int        `json:"mempool_size"`
	Tokens       int        `json:"tokens"`
	Accounts     int        `json:"accounts"`
	Producers    int        `json:"producers"`
	Contracts    []string   `json:"contracts"`
	NextProducer string     `json:"next_producer,omitempty"`
}

type TokenResponse struct {
	Name           string  `json:"name"`
	ReferencePrice float64 `json:"reference_price"`
	// Circulating is held by wallets plus pool reserves.
	Circulating float64 `json:"circulating"`
	AsOfHeight  int64   `json:"as_of_height"`
}

type PoolResponse struct {
	Contract    string  `json:"contract"`
	Pair        string  `json:"pair"`
	TokenA      string  `json:"token_a"`
	TokenB      string  `json:"token_b"`
	ReserveA    float64 `json:"reserve_a"`
	ReserveB    float64 `json:"reserve_b"`
	Fee         float64 `json:"fee"`
	SpotPrice   float64 `json:"spot_price"`   // tokenB per tokenA
	OraclePrice float64 `json:"oracle_price"` // same ratio from reference prices
	TVL         float64 `json:"tvl"`
	AsOfHeight  int64   `json:"as_of_height"`

	// Deviation is |ln(spot/oracle)|, absent while the pool is empty.
	Deviation *float64 `json:"deviation,omitempty"`
}

type BalanceEntry struct {
	Token  string          `json:"token"`
	Amount float64         `json:"amount"`
	Value  decimal.Decimal `json:"value"`
}

type AccountResponse struct {
	Address    ledger.Address  `json:"address"`
	Name       string          `json:"name"`
	Balances   []BalanceEntry  `json:"balances"`
	TotalValue decimal.Decimal `json:"total_value"`
	Records    int             `json:"records"`

	// Producer fields; zero for ordinary accounts.
	Producer        bool    `json:"producer"`
	Settlement      float64 `json:"settlement,omitempty"`
	BlocksCommitted int64   `json:"blocks_committed,omitempty"`

	AsOfHeight int64 `json:"as_of_height"`
}

type AccountHistoryResponse struct {
	Address    ledger.Address  `json:"address"`
	Records    []ledger.Record `json:"records"` // newest first
	AsOfHeight int64           `json:"as_of_height"`
}

type BlockResponse struct {
	*chain.Block
	TxCount     int `json:"tx_count"`
	FailedCount int `json:"failed_count"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	SupplyError     string  `json:"supply_error,omitempty"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// PersistedHeight is the number of blocks in the block log, -1 without one.
	PersistedHeight int64 `json:"persisted_height"`
	AsOfHeight      int64 `json:"as_of_height"`
}
