// Package projection derives read models from committed blocks. Projections
// are fed from a lossy subscription and can be rebuilt from the block log.
package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// PoolPoint is the state of one pool after one block.
type PoolPoint struct {
	Block     int64   `json:"block"`
	Contract  string  `json:"contract"`
	Pair      string  `json:"pair"`
	TokenA    string  `json:"token_a"`
	TokenB    string  `json:"token_b"`
	ReserveA  float64 `json:"reserve_a"`
	ReserveB  float64 `json:"reserve_b"`
	SpotPrice float64 `json:"spot_price"` // tokenB per tokenA
	Oracle    float64 `json:"oracle"`     // same ratio from reference prices
	TVL       float64 `json:"tvl"`
	Swaps     uint32  `json:"swaps"`
	Volume    float64 `json:"volume"` // swap inflow valued at reference prices
}

// PointsFromBlock derives one point per pool from the reserves and
// receipts of block.
func PointsFromBlock(b *chain.Block) []PoolPoint {
	price := func(token string) float64 { return b.Prices[token] }

	points := make([]PoolPoint, 0, len(b.Reserves))
	index := make(map[string]int, len(b.Reserves))
	for _, r := range b.Reserves {
		p := PoolPoint{
			Block:    b.Number,
			Contract: r.Contract,
			Pair:     r.Pair,
			TokenA:   r.TokenA,
			TokenB:   r.TokenB,
			ReserveA: r.ReserveA,
			ReserveB: r.ReserveB,
			TVL:      r.ReserveA*price(r.TokenA) + r.ReserveB*price(r.TokenB),
		}
		if r.ReserveA > 0 {
			p.SpotPrice = r.ReserveB / r.ReserveA
		}
		if pb := price(r.TokenB); pb > 0 {
			p.Oracle = price(r.TokenA) / pb
		}
		index[ledger.PoolHolder(r.Contract, r.Pair)] = len(points)
		points = append(points, p)
	}

	for _, rc := range b.Receipts {
		if !rc.Succeeded() || rc.Function != amm.FunctionSwap {
			continue
		}
		for _, m := range rc.Movements {
			if m.Type != ledger.MovementSwapIn {
				continue
			}
			if i, ok := index[m.To]; ok {
				points[i].Swaps++
				points[i].Volume += m.Amount * price(m.Token)
			}
		}
	}
	return points
}

// PoolStore persists pool points.
type PoolStore interface {
	InsertPoints(ctx context.Context, points []PoolPoint) error
}

// PoolHistory keeps the most recent points of every pool in memory.
type PoolHistory struct {
	mu    sync.RWMutex
	limit int
	pairs map[string][]PoolPoint // contract/pair -> oldest first
}

func NewPoolHistory(limit int) *PoolHistory {
	if limit <= 0 {
		limit = 1000
	}
	return &PoolHistory{limit: limit, pairs: make(map[string][]PoolPoint)}
}

func historyKey(contract, pair string) string { return contract + "/" + pair }

func (h *PoolHistory) InsertPoints(_ context.Context, points []PoolPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range points {
		key := historyKey(p.Contract, p.Pair)
		series := append(h.pairs[key], p)
		if over := len(series) - h.limit; over > 0 {
			series = append([]PoolPoint(nil), series[over:]...)
		}
		h.pairs[key] = series
	}
	return nil
}

// Points returns up to limit of the newest points for a pool, newest first.
func (h *PoolHistory) Points(contract, pair string, limit int) []PoolPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	series := h.pairs[historyKey(contract, pair)]
	if limit <= 0 || limit > len(series) {
		limit = len(series)
	}
	out := make([]PoolPoint, 0, limit)
	for i := len(series) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, series[i])
	}
	return out
}

// Pools lists the contract/pair keys with history, sorted.
func (h *PoolHistory) Pools() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.pairs))
	for k := range h.pairs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
