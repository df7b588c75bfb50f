package sim

import (
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/config"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// BuildOptions carries the runtime wiring for Build.
type BuildOptions struct {
	PersistChan chan<- *chain.Block
	OnSnapshot  func(Snapshot)
	OnBlock     func(epoch int, block *chain.Block)
	Metrics     *observability.Metrics
	Logger      *zerolog.Logger
}

// Build creates the genesis ledger of scenario (tokens, configured users,
// contracts with their pools) and a Simulator populated with the scenario's
// agents. The first contract is the one agents trade against.
func Build(sc config.Scenario, opts BuildOptions) (*Simulator, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	l := chain.New(chain.Options{
		Seed:                sc.Seed,
		SupplyCheckInterval: sc.SupplyCheckInterval,
		PersistChan:         opts.PersistChan,
		Metrics:             opts.Metrics,
		Logger:              opts.Logger,
	})

	for _, t := range sc.Tokens {
		if _, err := l.CreateToken(t.Name, t.Price); err != nil {
			return nil, err
		}
	}

	for _, u := range sc.Users {
		acc := l.CreateAccount(u.Name)
		for _, h := range u.Holdings {
			if err := l.Mint(acc.Address, h.Token, h.Amount); err != nil {
				return nil, err
			}
		}
	}

	var protocols []*amm.Protocol
	for _, c := range sc.Contracts {
		p := amm.NewProtocol(c.Name, amm.LiquidityPolicy{RatioTolerance: c.RatioTolerance})
		for _, ps := range c.Pools {
			if _, err := p.CreatePool(ps.TokenA, ps.TokenB, ps.Fee, ps.AmountA, ps.AmountB); err != nil {
				return nil, err
			}
			if err := l.AddSupply(ps.TokenA, ps.AmountA); err != nil {
				return nil, err
			}
			if err := l.AddSupply(ps.TokenB, ps.AmountB); err != nil {
				return nil, err
			}
		}
		if err := l.DeployContract(p); err != nil {
			return nil, err
		}
		protocols = append(protocols, p)
	}

	a := sc.Agents
	s := New(l, protocols[0], Options{
		Rng:        rand.New(rand.NewSource(sc.Seed)),
		Oracle:     sc.Oracle,
		GasFee:     sc.GasFee,
		Traders:    TraderAgent{MinFraction: a.TradeMin, MaxFraction: a.TradeMax},
		Providers:  ProviderAgent{Share: a.ProviderShare, Threshold: a.ProviderThreshold},
		Producers:  ProducerAgent{Arbitrage: a.Arbitrage},
		OnSnapshot: opts.OnSnapshot,
		OnBlock:    opts.OnBlock,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
	})

	if _, err := s.CreateUsers(a.Users); err != nil {
		return nil, err
	}
	if _, err := s.CreateLiquidityProviders(a.LiquidityProviders); err != nil {
		return nil, err
	}
	if _, err := s.CreateBlockProducers(a.BlockProducers); err != nil {
		return nil, err
	}
	return s, nil
}

// Epochs converts the scenario's epoch list.
func Epochs(specs []config.EpochSpec) []Epoch {
	out := make([]Epoch, 0, len(specs))
	for _, e := range specs {
		targets := make(map[string]float64, len(e.Targets))
		for _, t := range e.Targets {
			targets[t.Name] = t.Price
		}
		out = append(out, Epoch{NumBlocks: e.Blocks, Targets: targets})
	}
	return out
}
