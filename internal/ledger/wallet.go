package ledger

import (
	"math"
	"sort"
)

// Holding is one wallet entry.
type Holding struct {
	Token  string  `json:"token"`
	Amount float64 `json:"amount"`
}

// Wallet maps token name to a strictly positive balance. An entry whose
// balance reaches exactly zero is removed.
type Wallet struct {
	balances map[string]float64
}

func NewWallet() *Wallet {
	return &Wallet{
		balances: make(map[string]float64),
	}
}

func validAmount(amount float64) bool {
	return amount >= 0 && !math.IsInf(amount, 0)
}

// Credit increases the balance of token. Crediting zero is a no-op so that
// no zero entry is ever created.
func (w *Wallet) Credit(token string, amount float64) error {
	if !validAmount(amount) {
		return ErrInvalidAmount.Wrapf("credit %v %s", amount, token)
	}
	if amount == 0 {
		return nil
	}
	w.balances[token] += amount
	return nil
}

// CheckDebit reports whether Debit would succeed without mutating anything.
func (w *Wallet) CheckDebit(token string, amount float64) error {
	if !validAmount(amount) {
		return ErrInvalidAmount.Wrapf("debit %v %s", amount, token)
	}
	balance, ok := w.balances[token]
	if !ok {
		return ErrUnknownAsset.Wrapf("wallet holds no %s", token)
	}
	if balance < amount {
		return ErrInsufficientFunds.Wrapf("have %v %s, need %v", balance, token, amount)
	}
	return nil
}

// Debit decreases the balance of token. A failed debit leaves the wallet
// unchanged.
func (w *Wallet) Debit(token string, amount float64) error {
	if err := w.CheckDebit(token, amount); err != nil {
		return err
	}

	remaining := w.balances[token] - amount
	if remaining == 0 {
		delete(w.balances, token)
		return nil
	}
	w.balances[token] = remaining
	return nil
}

// Balance returns the balance of token, 0 if absent.
func (w *Wallet) Balance(token string) float64 {
	return w.balances[token]
}

func (w *Wallet) Has(token string) bool {
	_, ok := w.balances[token]
	return ok
}

// Holdings lists entries sorted by token name.
func (w *Wallet) Holdings() []Holding {
	out := make([]Holding, 0, len(w.balances))
	for token, amount := range w.balances {
		out = append(out, Holding{Token: token, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// TotalValue sums amount * pricing(token) over all holdings.
func (w *Wallet) TotalValue(pricing func(token string) float64) float64 {
	var total float64
	for _, h := range w.Holdings() {
		total += h.Amount * pricing(h.Token)
	}
	return total
}

func (w *Wallet) Len() int {
	return len(w.balances)
}
