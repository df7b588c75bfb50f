package ledger

import (
	"fmt"
	"math"
	"sort"
)

// DefaultSupplyTolerance bounds the relative float drift accepted by the
// conservation check.
const DefaultSupplyTolerance = 1e-9

// InvariantValidator tracks minted supply per token and checks that wallets
// plus pool reserves still add up to it.
type InvariantValidator struct {
	supply    map[string]float64
	tolerance float64
}

func NewInvariantValidator(tolerance float64) *InvariantValidator {
	if tolerance <= 0 {
		tolerance = DefaultSupplyTolerance
	}
	return &InvariantValidator{
		supply:    make(map[string]float64),
		tolerance: tolerance,
	}
}

// RecordMint adds newly created tokens to the tracked supply.
func (v *InvariantValidator) RecordMint(token string, amount float64) {
	v.supply[token] += amount
}

// Supply returns the minted amount of token.
func (v *InvariantValidator) Supply(token string) float64 {
	return v.supply[token]
}

// ValidateBatchBalance verifies every movement of the batch is well formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateNonNegative checks that no holder ended up below zero.
func (v *InvariantValidator) ValidateNonNegative(holder string, balances map[string]float64) error {
	for token, amount := range balances {
		if amount < 0 {
			return fmt.Errorf("%s has negative %s balance: %v", holder, token, amount)
		}
	}
	return nil
}

// ValidateConservation compares observed totals (wallets plus reserves) with
// the minted supply of every token.
func (v *InvariantValidator) ValidateConservation(observed map[string]float64) error {
	tokens := make([]string, 0, len(v.supply)+len(observed))
	seen := make(map[string]bool)
	for t := range v.supply {
		tokens = append(tokens, t)
		seen[t] = true
	}
	for t := range observed {
		if !seen[t] {
			tokens = append(tokens, t)
		}
	}
	sort.Strings(tokens)

	for _, t := range tokens {
		want := v.supply[t]
		got := observed[t]
		if math.Abs(got-want) > v.tolerance*math.Max(1, math.Abs(want)) {
			return fmt.Errorf("supply of %s not conserved: minted %v, held %v", t, want, got)
		}
	}
	return nil
}
