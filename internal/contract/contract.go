// Package contract defines what the ledger needs to know about deployed
// contracts: a name and a closed set of typed calls.
package contract

import (
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Call is one typed operation of a contract. Each contract declares its own
// closed set of Call types and dispatches on them with a type switch.
type Call interface {
	Function() string
}

// Result is what a successful call returns.
type Result struct {
	Output    float64
	Movements []ledger.Movement
}

// Contract is a named unit the ledger routes transactions to. Process must be
// all-or-nothing: a returned error means no state changed.
type Contract interface {
	Name() string
	Process(sender *ledger.Account, call Call) (Result, error)
}

// PoolReserves is the reserve state of one pool.
type PoolReserves struct {
	Contract string  `json:"contract"`
	Pair     string  `json:"pair"`
	TokenA   string  `json:"token_a"`
	TokenB   string  `json:"token_b"`
	ReserveA float64 `json:"reserve_a"`
	ReserveB float64 `json:"reserve_b"`
	Fee      float64 `json:"fee"`
}

// ReserveHolder is implemented by contracts that hold tokens outside any
// wallet. The ledger counts these reserves when checking conservation.
type ReserveHolder interface {
	Reserves() []PoolReserves
}
