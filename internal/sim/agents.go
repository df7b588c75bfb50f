package sim

import (
	"math"
	"math/rand"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	fpmath "github.com/wonj1012/blockchain-simulator/internal/math"
)

// Env is what an agent sees during one block: a read view of the ledger,
// the AMM, the accounts it controls and a way to submit transactions.
type Env struct {
	State    chain.State
	AMM      *amm.Protocol
	Rng      *rand.Rand
	Accounts []*ledger.Account
	GasFee   float64
	Height   int64

	submit func(*chain.Transaction) error
	count  int
}

// Submit queues call from sender against the AMM.
func (e *Env) Submit(sender *ledger.Account, call contract.Call) error {
	tx, err := chain.NewTransaction(sender, e.AMM, call, e.GasFee)
	if err != nil {
		return err
	}
	if err := e.submit(tx); err != nil {
		return err
	}
	e.count++
	return nil
}

// Price is the oracle price of token.
func (e *Env) Price(token string) float64 {
	return e.State.Registry.Price(token)
}

// Agent decides zero or more transactions per block. Agents hold only
// configuration; everything else is read from Env.
type Agent interface {
	Name() string
	Act(env *Env) error
}

// ============================================================================
// Traders
// ============================================================================

// TraderAgent makes every account, in random order, sell a random fraction
// of one random holding for another random token.
type TraderAgent struct {
	MinFraction float64
	MaxFraction float64
}

func (TraderAgent) Name() string { return "trader" }

func (a TraderAgent) Act(env *Env) error {
	tokens := env.State.Registry.Names()
	if len(tokens) < 2 {
		return nil
	}

	order := append([]*ledger.Account(nil), env.Accounts...)
	env.Rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, acc := range order {
		holdings := acc.Wallet.Holdings()
		if len(holdings) == 0 {
			continue
		}
		h := holdings[env.Rng.Intn(len(holdings))]
		fraction := a.MinFraction + (a.MaxFraction-a.MinFraction)*env.Rng.Float64()

		others := make([]string, 0, len(tokens)-1)
		for _, t := range tokens {
			if t != h.Token {
				others = append(others, t)
			}
		}
		if len(others) == 0 {
			continue
		}
		out := others[env.Rng.Intn(len(others))]

		call := amm.SwapCall{TokenIn: h.Token, TokenOut: out, AmountIn: h.Amount * fraction}
		if err := env.Submit(acc, call); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Liquidity providers
// ============================================================================

// ProviderAgent deposits into a random pool while its price tracks the
// oracle, and pulls half of its net deposit once the two drift apart by
// more than Threshold.
type ProviderAgent struct {
	Share     float64
	Threshold float64
}

func (ProviderAgent) Name() string { return "provider" }

func (a ProviderAgent) Act(env *Env) error {
	pools := env.AMM.Pools()
	if len(pools) == 0 {
		return nil
	}

	for _, acc := range env.Accounts {
		pool := pools[env.Rng.Intn(len(pools))]
		tokenA, tokenB := pool.TokenA(), pool.TokenB()
		ra, _ := pool.Reserve(tokenA)
		rb, _ := pool.Reserve(tokenB)
		pa, pb := env.Price(tokenA), env.Price(tokenB)
		if ra <= 0 || rb <= 0 || pa <= 0 || pb <= 0 {
			continue
		}

		discourage := fpmath.LogDeviation(rb/ra, pa/pb)
		if discourage > a.Threshold {
			if call, ok := a.withdrawal(acc, pool, ra, rb); ok {
				if err := env.Submit(acc, call); err != nil {
					return err
				}
			}
			continue
		}

		volume := (1 - discourage) * acc.Wallet.TotalValue(env.Price) * a.Share
		tvl := ra*pa + rb*pb
		x := volume / tvl
		amountA, amountB := ra*x, rb*x

		balA, balB := acc.Wallet.Balance(tokenA), acc.Wallet.Balance(tokenB)
		scale := 1.0
		if amountA > balA {
			scale = math.Min(scale, balA/amountA)
		}
		if amountB > balB {
			scale = math.Min(scale, balB/amountB)
		}
		amountA = math.Min(amountA*scale, balA)
		amountB = math.Min(amountB*scale, balB)
		if amountA*pa+amountB*pb < 0.01 {
			continue
		}

		call := amm.AddLiquidityCall{TokenA: tokenA, AmountA: amountA, TokenB: tokenB, AmountB: amountB}
		if err := env.Submit(acc, call); err != nil {
			return err
		}
	}
	return nil
}

// withdrawal sizes a removal of half the account's net deposit into pool,
// read back from its transaction history.
func (a ProviderAgent) withdrawal(acc *ledger.Account, pool *amm.Pool, ra, rb float64) (amm.RemoveLiquidityCall, bool) {
	holder := pool.Holder()
	net := make(map[string]float64, 2)
	for _, rec := range acc.History {
		if !rec.Succeeded {
			continue
		}
		for _, m := range rec.Movements {
			switch {
			case m.Type == ledger.MovementLiquidityAdd && m.To == holder:
				net[m.Token] += m.Amount
			case m.Type == ledger.MovementLiquidityRemove && m.From == holder:
				net[m.Token] -= m.Amount
			}
		}
	}

	amountA := math.Min(net[pool.TokenA()]/2, ra)
	amountB := math.Min(net[pool.TokenB()]/2, rb)
	if amountA <= 0 || amountB <= 0 {
		return amm.RemoveLiquidityCall{}, false
	}
	return amm.RemoveLiquidityCall{TokenA: pool.TokenA(), AmountA: amountA, TokenB: pool.TokenB(), AmountB: amountB}, true
}

// ============================================================================
// Block producers
// ============================================================================

// ProducerAgent lets the producer of the upcoming block arbitrage every
// pool whose price strays from the oracle by more than the pool fee. The
// producer rotation is the ledger's, so Env.Accounts is not consulted.
type ProducerAgent struct {
	Arbitrage bool
}

func (ProducerAgent) Name() string { return "producer" }

func (a ProducerAgent) Act(env *Env) error {
	producers := env.State.Producers
	if !a.Arbitrage || len(producers) == 0 {
		return nil
	}
	producer := producers[env.Height%int64(len(producers))]

	for _, pool := range env.AMM.Pools() {
		tokenA, tokenB := pool.TokenA(), pool.TokenB()
		ra, _ := pool.Reserve(tokenA)
		rb, _ := pool.Reserve(tokenB)
		pa, pb := env.Price(tokenA), env.Price(tokenB)
		if ra <= 0 || rb <= 0 || pa <= 0 || pb <= 0 {
			continue
		}
		target := pa / pb
		if fpmath.LogDeviation(rb/ra, target) <= pool.Fee() {
			continue
		}

		sellA, amountIn := fpmath.ArbitrageInput(ra, rb, target, pool.Fee())
		tokenIn, tokenOut := tokenB, tokenA
		if sellA {
			tokenIn, tokenOut = tokenA, tokenB
		}
		amountIn = math.Min(amountIn, producer.Wallet.Balance(tokenIn))
		if amountIn <= 0 {
			continue
		}

		call := amm.SwapCall{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn}
		if err := env.Submit(producer, call); err != nil {
			return err
		}
	}
	return nil
}
