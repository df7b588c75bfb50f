package ledger

import (
	"math"
	"sort"
)

// Token is a fungible asset. Identity is the name; only the reference
// price changes after registration.
type Token struct {
	Name           string
	referencePrice float64
}

// ReferencePrice is the externally observed value of one unit.
func (t *Token) ReferencePrice() float64 {
	return t.referencePrice
}

// SetReferencePrice is called by the oracle once per block.
func (t *Token) SetReferencePrice(price float64) {
	t.referencePrice = price
}

// Registry holds every token known to a ledger.
type Registry struct {
	tokens map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[string]*Token),
	}
}

// Register adds a token. Names are case-sensitive and unique.
func (r *Registry) Register(name string, referencePrice float64) (*Token, error) {
	if name == "" {
		return nil, ErrUnknownAsset.Wrap("token name is empty")
	}
	if _, exists := r.tokens[name]; exists {
		return nil, ErrDuplicateToken.Wrapf("token %s", name)
	}
	if referencePrice < 0 || math.IsNaN(referencePrice) || math.IsInf(referencePrice, 0) {
		return nil, ErrInvalidAmount.Wrapf("reference price %v for %s", referencePrice, name)
	}

	t := &Token{Name: name, referencePrice: referencePrice}
	r.tokens[name] = t
	return t, nil
}

// Get resolves a token by name.
func (r *Registry) Get(name string) (*Token, error) {
	t, ok := r.tokens[name]
	if !ok {
		return nil, ErrUnknownAsset.Wrapf("token %s is not registered", name)
	}
	return t, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tokens[name]
	return ok
}

// Price returns the reference price, or 0 for an unknown token. It has the
// shape expected by Wallet.TotalValue.
func (r *Registry) Price(name string) float64 {
	if t, ok := r.tokens[name]; ok {
		return t.referencePrice
	}
	return 0
}

// Names returns token names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tokens))
	for name := range r.tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prices copies the current reference prices.
func (r *Registry) Prices() map[string]float64 {
	out := make(map[string]float64, len(r.tokens))
	for name, t := range r.tokens {
		out[name] = t.referencePrice
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.tokens)
}
