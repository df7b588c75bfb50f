package config

import (
	"io"
	"math"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/oracle"
)

// Scenario seeds a simulation: genesis tokens, accounts and pools, the agent
// population and the epochs to run. Token amounts are lists rather than
// maps so token names keep their case through the loader.
type Scenario struct {
	Seed                int64          `mapstructure:"seed" yaml:"seed"`
	GasFee              float64        `mapstructure:"gas_fee" yaml:"gas_fee"`
	SupplyCheckInterval int64          `mapstructure:"supply_check_interval" yaml:"supply_check_interval"`
	Tokens              []TokenSpec    `mapstructure:"tokens" yaml:"tokens"`
	Users               []UserSpec     `mapstructure:"users" yaml:"users,omitempty"`
	Contracts           []ContractSpec `mapstructure:"contracts" yaml:"contracts"`
	Agents              AgentSpec      `mapstructure:"agents" yaml:"agents"`
	Oracle              oracle.Config  `mapstructure:"oracle" yaml:"oracle"`
	Epochs              []EpochSpec    `mapstructure:"epochs" yaml:"epochs"`
}

type TokenSpec struct {
	Name  string  `mapstructure:"name" yaml:"name"`
	Price float64 `mapstructure:"price" yaml:"price"`
}

// Amount is a quantity of one token.
type Amount struct {
	Token  string  `mapstructure:"token" yaml:"token"`
	Amount float64 `mapstructure:"amount" yaml:"amount"`
}

type UserSpec struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Holdings []Amount `mapstructure:"holdings" yaml:"holdings"`
}

type ContractSpec struct {
	Name           string     `mapstructure:"name" yaml:"name"`
	RatioTolerance float64    `mapstructure:"ratio_tolerance" yaml:"ratio_tolerance"`
	Pools          []PoolSpec `mapstructure:"pools" yaml:"pools"`
}

type PoolSpec struct {
	TokenA  string  `mapstructure:"token_a" yaml:"token_a"`
	AmountA float64 `mapstructure:"amount_a" yaml:"amount_a"`
	TokenB  string  `mapstructure:"token_b" yaml:"token_b"`
	AmountB float64 `mapstructure:"amount_b" yaml:"amount_b"`
	Fee     float64 `mapstructure:"fee" yaml:"fee"`
}

// AgentSpec sizes the synthetic population and tunes its strategies.
type AgentSpec struct {
	Users              int `mapstructure:"users" yaml:"users"`
	LiquidityProviders int `mapstructure:"liquidity_providers" yaml:"liquidity_providers"`
	BlockProducers     int `mapstructure:"block_producers" yaml:"block_producers"`

	// Traders sell a uniform fraction in [TradeMin, TradeMax] of one holding.
	TradeMin float64 `mapstructure:"trade_min" yaml:"trade_min"`
	TradeMax float64 `mapstructure:"trade_max" yaml:"trade_max"`

	// Providers commit ProviderShare of their value while the pool price
	// is within ProviderThreshold (log distance) of the oracle.
	ProviderShare     float64 `mapstructure:"provider_share" yaml:"provider_share"`
	ProviderThreshold float64 `mapstructure:"provider_threshold" yaml:"provider_threshold"`

	// Arbitrage lets the producer of each block realign pool prices.
	Arbitrage bool `mapstructure:"arbitrage" yaml:"arbitrage"`
}

// EpochSpec is NumBlocks blocks sharing one set of oracle targets.
type EpochSpec struct {
	Blocks  int         `mapstructure:"blocks" yaml:"blocks"`
	Targets []TokenSpec `mapstructure:"targets" yaml:"targets"`
}

// DefaultScenario is the two-token USDC/ETH economy.
func DefaultScenario() Scenario {
	return Scenario{
		Seed:                42,
		SupplyCheckInterval: 100,
		Tokens: []TokenSpec{
			{Name: "USDC", Price: 1},
			{Name: "ETH", Price: 3000},
		},
		Contracts: []ContractSpec{{
			Name: "UniswapV2",
			Pools: []PoolSpec{{
				TokenA: "USDC", AmountA: 100_000,
				TokenB: "ETH", AmountB: 33.33,
				Fee: 0.003,
			}},
		}},
		Agents: AgentSpec{
			Users:              100,
			LiquidityProviders: 10,
			BlockProducers:     1,
			TradeMin:           0.01,
			TradeMax:           1.0,
			ProviderShare:      0.2,
			ProviderThreshold:  0.05,
		},
		Oracle: oracle.DefaultConfig(),
		Epochs: []EpochSpec{
			{Blocks: 1000, Targets: []TokenSpec{{Name: "USDC", Price: 1}, {Name: "ETH", Price: 3000}}},
			{Blocks: 100, Targets: []TokenSpec{{Name: "USDC", Price: 1}, {Name: "ETH", Price: 4000}}},
		},
	}
}

// LoadScenario reads a YAML (or any viper-supported) scenario file.
func LoadScenario(path string) (Scenario, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Scenario{}, ledger.ErrInvalidConfig.Wrapf("read scenario %s: %v", path, err)
	}

	s := DefaultScenario()
	s.Users, s.Contracts, s.Epochs, s.Tokens = nil, nil, nil, nil
	if err := v.Unmarshal(&s); err != nil {
		return Scenario{}, ledger.ErrInvalidConfig.Wrapf("decode scenario %s: %v", path, err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// WriteScenario renders s as YAML.
func WriteScenario(w io.Writer, s Scenario) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// Validate rejects scenarios the simulator cannot build.
func (s Scenario) Validate() error {
	if len(s.Tokens) == 0 {
		return ledger.ErrInvalidConfig.Wrap("no tokens")
	}
	tokens := make(map[string]bool, len(s.Tokens))
	for _, t := range s.Tokens {
		if t.Name == "" {
			return ledger.ErrInvalidConfig.Wrap("token with empty name")
		}
		if tokens[t.Name] {
			return ledger.ErrInvalidConfig.Wrapf("token %s declared twice", t.Name)
		}
		if !nonNegative(t.Price) {
			return ledger.ErrInvalidConfig.Wrapf("token %s price %v", t.Name, t.Price)
		}
		tokens[t.Name] = true
	}

	known := func(where, token string) error {
		if !tokens[token] {
			return ledger.ErrInvalidConfig.Wrapf("%s references unknown token %q", where, token)
		}
		return nil
	}

	for _, u := range s.Users {
		for _, h := range u.Holdings {
			if err := known("user "+u.Name, h.Token); err != nil {
				return err
			}
			if !nonNegative(h.Amount) {
				return ledger.ErrInvalidConfig.Wrapf("user %s holds %v %s", u.Name, h.Amount, h.Token)
			}
		}
	}

	if len(s.Contracts) == 0 {
		return ledger.ErrInvalidConfig.Wrap("no contracts")
	}
	names := make(map[string]bool)
	for _, c := range s.Contracts {
		if c.Name == "" || names[c.Name] {
			return ledger.ErrInvalidConfig.Wrapf("contract name %q empty or repeated", c.Name)
		}
		names[c.Name] = true
		if !nonNegative(c.RatioTolerance) {
			return ledger.ErrInvalidConfig.Wrapf("contract %s ratio tolerance %v", c.Name, c.RatioTolerance)
		}
		for _, p := range c.Pools {
			if err := known("pool in "+c.Name, p.TokenA); err != nil {
				return err
			}
			if err := known("pool in "+c.Name, p.TokenB); err != nil {
				return err
			}
			if !nonNegative(p.AmountA) || !nonNegative(p.AmountB) {
				return ledger.ErrInvalidConfig.Wrapf("pool %s/%s reserves (%v, %v)", p.TokenA, p.TokenB, p.AmountA, p.AmountB)
			}
		}
	}

	a := s.Agents
	if a.Users < 0 || a.LiquidityProviders < 0 || a.BlockProducers < 0 {
		return ledger.ErrInvalidConfig.Wrap("negative agent count")
	}
	if a.TradeMin < 0 || a.TradeMax > 1 || a.TradeMin > a.TradeMax {
		return ledger.ErrInvalidConfig.Wrapf("trade fraction range [%v, %v]", a.TradeMin, a.TradeMax)
	}
	if a.ProviderShare < 0 || a.ProviderShare > 1 {
		return ledger.ErrInvalidConfig.Wrapf("provider share %v", a.ProviderShare)
	}

	if s.Oracle.MaxPercent < 0 || s.Oracle.ChangeLimit < 0 {
		return ledger.ErrInvalidConfig.Wrap("negative oracle bounds")
	}
	if !nonNegative(s.GasFee) {
		return ledger.ErrInvalidConfig.Wrapf("gas fee %v", s.GasFee)
	}

	for i, e := range s.Epochs {
		if e.Blocks < 0 {
			return ledger.ErrInvalidConfig.Wrapf("epoch %d has %d blocks", i, e.Blocks)
		}
		for _, t := range e.Targets {
			if err := known("epoch target", t.Name); err != nil {
				return err
			}
			if !nonNegative(t.Price) {
				return ledger.ErrInvalidConfig.Wrapf("epoch %d target %s = %v", i, t.Name, t.Price)
			}
		}
	}
	return nil
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}
