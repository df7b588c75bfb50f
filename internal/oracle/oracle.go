// Package oracle supplies reference prices driven by a bounded random walk
// around per-epoch targets.
package oracle

import (
	"math/rand"
	"sort"

	fpmath "github.com/wonj1012/blockchain-simulator/internal/math"
)

// Config bounds the walk. Each step draws uniformly from
// [-MaxPercent, MaxPercent] and clamps it to within ChangeLimit of the
// previous offset. ResetPerEpoch restarts every walk at 0 when a new epoch
// begins instead of carrying offsets over.
type Config struct {
	MaxPercent    float64 `json:"max_percent" yaml:"max_percent" mapstructure:"max_percent"`
	ChangeLimit   float64 `json:"change_limit" yaml:"change_limit" mapstructure:"change_limit"`
	ResetPerEpoch bool    `json:"reset_per_epoch" yaml:"reset_per_epoch" mapstructure:"reset_per_epoch"`
}

func DefaultConfig() Config {
	return Config{MaxPercent: 0.05, ChangeLimit: 0.01}
}

// Oracle owns the last walk offset of every token it has priced. Offsets
// start at 0 the first time a token is seen and persist across Steps.
type Oracle struct {
	cfg     Config
	rng     *rand.Rand
	offsets map[string]float64
}

func New(cfg Config, rng *rand.Rand) *Oracle {
	return &Oracle{
		cfg:     cfg,
		rng:     rng,
		offsets: make(map[string]float64),
	}
}

func (o *Oracle) Config() Config { return o.cfg }

// Step advances the walk of every target token by one block and returns
// target * (1 + offset) per token. Tokens are visited in sorted order so a
// seeded generator always yields the same prices.
func (o *Oracle) Step(targets map[string]float64) map[string]float64 {
	tokens := make([]string, 0, len(targets))
	for t := range targets {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)

	prices := make(map[string]float64, len(targets))
	for _, t := range tokens {
		next := fpmath.WalkStep(o.offsets[t], o.rng.Float64(), o.cfg.MaxPercent, o.cfg.ChangeLimit)
		o.offsets[t] = next
		prices[t] = targets[t] * (1 + next)
	}
	return prices
}

// Offset is the current walk offset of token, 0 if never stepped.
func (o *Oracle) Offset(token string) float64 {
	return o.offsets[token]
}

func (o *Oracle) Offsets() map[string]float64 {
	out := make(map[string]float64, len(o.offsets))
	for t, v := range o.offsets {
		out[t] = v
	}
	return out
}

// Reset forgets every offset, so the next Step starts each walk at 0.
func (o *Oracle) Reset() {
	o.offsets = make(map[string]float64)
}
