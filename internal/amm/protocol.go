package amm

import (
	"sort"

	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Protocol is the AMM contract. It owns pools keyed by unordered pair.
// Handlers validate every precondition before mutating, so a failed call
// leaves wallets and reserves untouched.
type Protocol struct {
	name   string
	policy LiquidityPolicy
	pools  map[PairKey]*Pool
}

var (
	_ contract.Contract      = (*Protocol)(nil)
	_ contract.ReserveHolder = (*Protocol)(nil)
)

func NewProtocol(name string, policy LiquidityPolicy) *Protocol {
	return &Protocol{
		name:   name,
		policy: policy,
		pools:  make(map[PairKey]*Pool),
	}
}

func (p *Protocol) Name() string { return p.name }

// CreatePool registers a pool for (a, b). The pair is unordered: creating
// (b, a) after (a, b) fails with ErrPoolAlreadyExists.
func (p *Protocol) CreatePool(a, b string, fee, reserveA, reserveB float64) (*Pool, error) {
	pool, err := newPool(p.name, a, b, fee, reserveA, reserveB, p.policy)
	if err != nil {
		return nil, err
	}
	key := pool.Key()
	if _, exists := p.pools[key]; exists {
		return nil, ledger.ErrPoolAlreadyExists.Wrapf("pool %s in %s", key, p.name)
	}
	p.pools[key] = pool
	return pool, nil
}

// GetPool finds the pool for the pair in either order.
func (p *Protocol) GetPool(a, b string) (*Pool, error) {
	pool, ok := p.pools[NewPairKey(a, b)]
	if !ok {
		return nil, ledger.ErrPoolNotFound.Wrapf("no pool for (%s, %s) in %s", a, b, p.name)
	}
	return pool, nil
}

// Pools lists pools sorted by pair.
func (p *Protocol) Pools() []*Pool {
	out := make([]*Pool, 0, len(p.pools))
	for _, pool := range p.pools {
		out = append(out, pool)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

func (p *Protocol) Reserves() []contract.PoolReserves {
	pools := p.Pools()
	out := make([]contract.PoolReserves, 0, len(pools))
	for _, pool := range pools {
		out = append(out, pool.State())
	}
	return out
}

// Process dispatches a call to its handler.
func (p *Protocol) Process(sender *ledger.Account, call contract.Call) (contract.Result, error) {
	if sender == nil {
		return contract.Result{}, ledger.ErrUnknownAccount.Wrap("nil sender")
	}

	switch c := call.(type) {
	case SwapCall:
		return p.swap(sender, c)
	case AddLiquidityCall:
		return p.addLiquidity(sender, c)
	case RemoveLiquidityCall:
		return p.removeLiquidity(sender, c)
	default:
		name := "<nil>"
		if call != nil {
			name = call.Function()
		}
		return contract.Result{}, ledger.ErrUnknownFunction.Wrapf("%s has no function %q", p.name, name)
	}
}

func (p *Protocol) swap(sender *ledger.Account, c SwapCall) (contract.Result, error) {
	pool, err := p.GetPool(c.TokenIn, c.TokenOut)
	if err != nil {
		return contract.Result{}, err
	}

	// Validate
	if err := sender.Wallet.CheckDebit(c.TokenIn, c.AmountIn); err != nil {
		return contract.Result{}, err
	}
	amountOut, err := pool.previewSwap(c.TokenIn, c.TokenOut, c.AmountIn)
	if err != nil {
		return contract.Result{}, err
	}

	// Apply: debit before credit
	if err := sender.Wallet.Debit(c.TokenIn, c.AmountIn); err != nil {
		return contract.Result{}, err
	}
	if _, err := pool.Swap(c.TokenIn, c.TokenOut, c.AmountIn); err != nil {
		panic("FATAL: swap failed after successful preview: " + err.Error())
	}
	if err := sender.Wallet.Credit(c.TokenOut, amountOut); err != nil {
		panic("FATAL: credit failed after swap: " + err.Error())
	}

	var ms []ledger.Movement
	ms = ledger.Transfer(ms, sender.HolderID(), pool.Holder(), c.TokenIn, c.AmountIn, ledger.MovementSwapIn)
	ms = ledger.Transfer(ms, pool.Holder(), sender.HolderID(), c.TokenOut, amountOut, ledger.MovementSwapOut)
	return contract.Result{Output: amountOut, Movements: ms}, nil
}

func (p *Protocol) addLiquidity(sender *ledger.Account, c AddLiquidityCall) (contract.Result, error) {
	pool, err := p.GetPool(c.TokenA, c.TokenB)
	if err != nil {
		return contract.Result{}, err
	}

	if _, _, err := pool.checkAdd(c.TokenA, c.AmountA, c.TokenB, c.AmountB); err != nil {
		return contract.Result{}, err
	}
	if err := sender.Wallet.CheckDebit(c.TokenA, c.AmountA); err != nil {
		return contract.Result{}, err
	}
	if err := sender.Wallet.CheckDebit(c.TokenB, c.AmountB); err != nil {
		return contract.Result{}, err
	}

	if err := debitBoth(sender.Wallet, c.TokenA, c.AmountA, c.TokenB, c.AmountB); err != nil {
		panic("FATAL: debit failed after validation: " + err.Error())
	}
	if err := pool.AddLiquidity(c.TokenA, c.AmountA, c.TokenB, c.AmountB); err != nil {
		panic("FATAL: add liquidity failed after validation: " + err.Error())
	}

	var ms []ledger.Movement
	ms = ledger.Transfer(ms, sender.HolderID(), pool.Holder(), c.TokenA, c.AmountA, ledger.MovementLiquidityAdd)
	ms = ledger.Transfer(ms, sender.HolderID(), pool.Holder(), c.TokenB, c.AmountB, ledger.MovementLiquidityAdd)
	return contract.Result{Output: c.AmountA + c.AmountB, Movements: ms}, nil
}

func (p *Protocol) removeLiquidity(sender *ledger.Account, c RemoveLiquidityCall) (contract.Result, error) {
	pool, err := p.GetPool(c.TokenA, c.TokenB)
	if err != nil {
		return contract.Result{}, err
	}

	if _, _, err := pool.checkRemove(c.TokenA, c.AmountA, c.TokenB, c.AmountB); err != nil {
		return contract.Result{}, err
	}

	if err := pool.RemoveLiquidity(c.TokenA, c.AmountA, c.TokenB, c.AmountB); err != nil {
		panic("FATAL: remove liquidity failed after validation: " + err.Error())
	}
	if err := sender.Wallet.Credit(c.TokenA, c.AmountA); err != nil {
		panic("FATAL: credit failed after withdrawal: " + err.Error())
	}
	if err := sender.Wallet.Credit(c.TokenB, c.AmountB); err != nil {
		panic("FATAL: credit failed after withdrawal: " + err.Error())
	}

	var ms []ledger.Movement
	ms = ledger.Transfer(ms, pool.Holder(), sender.HolderID(), c.TokenA, c.AmountA, ledger.MovementLiquidityRemove)
	ms = ledger.Transfer(ms, pool.Holder(), sender.HolderID(), c.TokenB, c.AmountB, ledger.MovementLiquidityRemove)
	return contract.Result{Output: c.AmountA + c.AmountB, Movements: ms}, nil
}

func debitBoth(w *ledger.Wallet, a string, amountA float64, b string, amountB float64) error {
	if err := w.Debit(a, amountA); err != nil {
		return err
	}
	return w.Debit(b, amountB)
}
