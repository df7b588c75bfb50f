// Package amm implements constant-product liquidity pools and the protocol
// contract that owns them.
package amm

import (
	"math"

	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	fpmath "github.com/wonj1012/blockchain-simulator/internal/math"
)

// PairKey is the unordered identity of a pool: tokens in sorted order.
type PairKey struct {
	A, B string
}

func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

func (k PairKey) String() string {
	return k.A + "/" + k.B
}

// LiquidityPolicy constrains deposits. RatioTolerance is the largest
// accepted |ln(deposit ratio) - ln(reserve ratio)|; 0 disables the check.
type LiquidityPolicy struct {
	RatioTolerance float64 `json:"ratio_tolerance" yaml:"ratio_tolerance" mapstructure:"ratio_tolerance"`
}

// Pool holds reserves of exactly two distinct tokens.
type Pool struct {
	contract string
	tokenA   string
	tokenB   string
	reserveA float64
	reserveB float64
	fee      float64
	policy   LiquidityPolicy
}

func newPool(contractName, a, b string, fee, ra, rb float64, policy LiquidityPolicy) (*Pool, error) {
	if a == "" || b == "" || a == b {
		return nil, ledger.ErrInvalidPool.Wrapf("pair (%s, %s)", a, b)
	}
	if !(fee >= 0 && fee < 1) {
		return nil, ledger.ErrInvalidPool.Wrapf("fee %v outside [0, 1)", fee)
	}
	if !validAmount(ra) || !validAmount(rb) {
		return nil, ledger.ErrInvalidPool.Wrapf("initial reserves (%v, %v)", ra, rb)
	}
	return &Pool{
		contract: contractName,
		tokenA:   a,
		tokenB:   b,
		reserveA: ra,
		reserveB: rb,
		fee:      fee,
		policy:   policy,
	}, nil
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

func (p *Pool) TokenA() string { return p.tokenA }
func (p *Pool) TokenB() string { return p.tokenB }
func (p *Pool) Fee() float64   { return p.fee }
func (p *Pool) Key() PairKey   { return NewPairKey(p.tokenA, p.tokenB) }

// Holder is the journal identity of the pool.
func (p *Pool) Holder() string {
	return ledger.PoolHolder(p.contract, p.Key().String())
}

// Invariant is the constant product of the reserves.
func (p *Pool) Invariant() float64 {
	return fpmath.ConstantProduct(p.reserveA, p.reserveB)
}

func (p *Pool) Contains(token string) bool {
	return token == p.tokenA || token == p.tokenB
}

// Reserve returns the reserve of token.
func (p *Pool) Reserve(token string) (float64, error) {
	switch token {
	case p.tokenA:
		return p.reserveA, nil
	case p.tokenB:
		return p.reserveB, nil
	default:
		return 0, ledger.ErrUnknownAsset.Wrapf("%s not in pool %s", token, p.Key())
	}
}

// Other returns the counterpart of token in the pair.
func (p *Pool) Other(token string) (string, error) {
	switch token {
	case p.tokenA:
		return p.tokenB, nil
	case p.tokenB:
		return p.tokenA, nil
	default:
		return "", ledger.ErrUnknownAsset.Wrapf("%s not in pool %s", token, p.Key())
	}
}

// SpotPrice is the pool-implied price of base in units of the other token.
func (p *Pool) SpotPrice(base string) (float64, error) {
	other, err := p.Other(base)
	if err != nil {
		return 0, err
	}
	rBase, _ := p.Reserve(base)
	rOther, _ := p.Reserve(other)
	return fpmath.SpotPrice(rBase, rOther), nil
}

// TVL values both reserves with pricing.
func (p *Pool) TVL(pricing func(string) float64) float64 {
	return p.reserveA*pricing(p.tokenA) + p.reserveB*pricing(p.tokenB)
}

func (p *Pool) State() contract.PoolReserves {
	return contract.PoolReserves{
		Contract: p.contract,
		Pair:     p.Key().String(),
		TokenA:   p.tokenA,
		TokenB:   p.tokenB,
		ReserveA: p.reserveA,
		ReserveB: p.reserveB,
		Fee:      p.fee,
	}
}

// reserves returns pointers to the in and out reserves.
func (p *Pool) reserves(in, out string) (*float64, *float64, error) {
	if in == out {
		return nil, nil, ledger.ErrUnknownAsset.Wrapf("token %s on both sides", in)
	}
	switch {
	case in == p.tokenA && out == p.tokenB:
		return &p.reserveA, &p.reserveB, nil
	case in == p.tokenB && out == p.tokenA:
		return &p.reserveB, &p.reserveA, nil
	default:
		return nil, nil, ledger.ErrUnknownAsset.Wrapf("(%s, %s) not served by pool %s", in, out, p.Key())
	}
}

// Quote is the output for amountIn of tokenIn. It does not mutate reserves.
func (p *Pool) Quote(tokenIn, tokenOut string, amountIn float64) (float64, error) {
	if !validAmount(amountIn) {
		return 0, ledger.ErrInvalidAmount.Wrapf("amount in %v", amountIn)
	}
	rin, rout, err := p.reserves(tokenIn, tokenOut)
	if err != nil {
		return 0, err
	}
	return fpmath.AmountOut(*rin, *rout, amountIn, p.fee), nil
}

// previewSwap runs every check of Swap and returns its output.
func (p *Pool) previewSwap(tokenIn, tokenOut string, amountIn float64) (float64, error) {
	out, err := p.Quote(tokenIn, tokenOut, amountIn)
	if err != nil {
		return 0, err
	}
	_, rout, _ := p.reserves(tokenIn, tokenOut)
	if amountIn > 0 && (*rout == 0 || out >= *rout) {
		return 0, ledger.ErrInsufficientLiquidity.Wrapf("pool %s cannot pay %v %s from reserve %v",
			p.Key(), out, tokenOut, *rout)
	}
	return out, nil
}

// Swap moves amountIn into the pool and amountOut out of it.
func (p *Pool) Swap(tokenIn, tokenOut string, amountIn float64) (float64, error) {
	out, err := p.previewSwap(tokenIn, tokenOut, amountIn)
	if err != nil {
		return 0, err
	}
	rin, rout, _ := p.reserves(tokenIn, tokenOut)
	*rin += amountIn
	*rout -= out
	return out, nil
}

// orient maps (a, amountA, b, amountB) onto the pool's own token order.
func (p *Pool) orient(a string, amountA float64, b string, amountB float64) (float64, float64, error) {
	if !validAmount(amountA) || !validAmount(amountB) {
		return 0, 0, ledger.ErrInvalidAmount.Wrapf("amounts (%v, %v)", amountA, amountB)
	}
	switch {
	case a == p.tokenA && b == p.tokenB:
		return amountA, amountB, nil
	case a == p.tokenB && b == p.tokenA:
		return amountB, amountA, nil
	default:
		return 0, 0, ledger.ErrUnknownAsset.Wrapf("(%s, %s) not served by pool %s", a, b, p.Key())
	}
}

func (p *Pool) checkAdd(a string, amountA float64, b string, amountB float64) (float64, float64, error) {
	da, db, err := p.orient(a, amountA, b, amountB)
	if err != nil {
		return 0, 0, err
	}

	tol := p.policy.RatioTolerance
	if tol > 0 && p.reserveA > 0 && p.reserveB > 0 && (da > 0 || db > 0) {
		if da == 0 || db == 0 {
			return 0, 0, ledger.ErrRatioOutOfTolerance.Wrapf("one-sided deposit into %s", p.Key())
		}
		dev := fpmath.LogDeviation(db/da, p.reserveB/p.reserveA)
		if dev > tol {
			return 0, 0, ledger.ErrRatioOutOfTolerance.Wrapf("deposit ratio deviates %.6f from pool %s (max %.6f)",
				dev, p.Key(), tol)
		}
	}
	return da, db, nil
}

// AddLiquidity increases both reserves.
func (p *Pool) AddLiquidity(a string, amountA float64, b string, amountB float64) error {
	da, db, err := p.checkAdd(a, amountA, b, amountB)
	if err != nil {
		return err
	}
	p.reserveA += da
	p.reserveB += db
	return nil
}

func (p *Pool) checkRemove(a string, amountA float64, b string, amountB float64) (float64, float64, error) {
	da, db, err := p.orient(a, amountA, b, amountB)
	if err != nil {
		return 0, 0, err
	}
	if da > p.reserveA || db > p.reserveB {
		return 0, 0, ledger.ErrInsufficientLiquidity.Wrapf("withdraw (%v %s, %v %s) from reserves (%v, %v)",
			da, p.tokenA, db, p.tokenB, p.reserveA, p.reserveB)
	}
	return da, db, nil
}

// RemoveLiquidity decreases both reserves; neither may go negative.
func (p *Pool) RemoveLiquidity(a string, amountA float64, b string, amountB float64) error {
	da, db, err := p.checkRemove(a, amountA, b, amountB)
	if err != nil {
		return err
	}
	p.reserveA -= da
	p.reserveB -= db
	return nil
}
