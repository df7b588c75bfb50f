package ledger

import (
	"fmt"
	"strings"
)

// MovementType is the purpose of a token movement.
type MovementType int32

const (
	MovementMint MovementType = iota
	MovementSwapIn
	MovementSwapOut
	MovementLiquidityAdd
	MovementLiquidityRemove
)

func (t MovementType) String() string {
	switch t {
	case MovementMint:
		return "mint"
	case MovementSwapIn:
		return "swap_in"
	case MovementSwapOut:
		return "swap_out"
	case MovementLiquidityAdd:
		return "liquidity_add"
	case MovementLiquidityRemove:
		return "liquidity_remove"
	default:
		return "unknown"
	}
}

func (t MovementType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Holder ids name the two sides of a movement.
const (
	accountHolderPrefix = "account:"
	poolHolderPrefix    = "pool:"
	// GenesisHolder is the source of minted tokens.
	GenesisHolder = "genesis"
)

func AccountHolder(addr Address) string {
	return accountHolderPrefix + addr.String()
}

func PoolHolder(contract, pair string) string {
	return poolHolderPrefix + contract + "/" + pair
}

func IsPoolHolder(holder string) bool {
	return strings.HasPrefix(holder, poolHolderPrefix)
}

// Movement transfers Amount of Token from one holder to another.
type Movement struct {
	From   string       `json:"from"`
	To     string       `json:"to"`
	Token  string       `json:"token"`
	Amount float64      `json:"amount"`
	Type   MovementType `json:"type"`
}

// Batch groups the movements produced by one transaction.
type Batch struct {
	Ref       string
	Movements []Movement
}

// Validate ensures every movement is a well-formed transfer. Each movement
// debits and credits the same amount, so a valid batch is balanced.
func (b *Batch) Validate() error {
	for i, m := range b.Movements {
		if !(m.Amount > 0) {
			return fmt.Errorf("batch %s movement %d has non-positive amount: %v", b.Ref, i, m.Amount)
		}
		if m.Token == "" {
			return fmt.Errorf("batch %s movement %d has no token", b.Ref, i)
		}
		if m.From == m.To {
			return fmt.Errorf("batch %s movement %d moves %s to itself", b.Ref, i, m.From)
		}
		if m.From == "" || m.To == "" {
			return fmt.Errorf("batch %s movement %d has an empty holder", b.Ref, i)
		}
	}
	return nil
}

// Net sums signed amounts per token for holder: positive when the holder
// received more than it sent.
func (b *Batch) Net(holder string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range b.Movements {
		if m.To == holder {
			out[m.Token] += m.Amount
		}
		if m.From == holder {
			out[m.Token] -= m.Amount
		}
	}
	return out
}

// Transfer appends a movement unless amount is zero.
func Transfer(ms []Movement, from, to, token string, amount float64, typ MovementType) []Movement {
	if amount == 0 {
		return ms
	}
	return append(ms, Movement{From: from, To: to, Token: token, Amount: amount, Type: typ})
}
