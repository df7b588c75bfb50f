// Package sim drives the ledger with synthetic agents, one oracle step and
// one committed block at a time.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
	"github.com/wonj1012/blockchain-simulator/internal/oracle"
)

// Starting balances, per token, of each agent kind.
const (
	UserEndowment     = 1_000
	ProviderEndowment = 50_000
	ProducerEndowment = 10_000
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
)

func (p Phase) String() string {
	if p == PhaseRunning {
		return "running"
	}
	return "idle"
}

// Epoch is NumBlocks blocks sharing one set of oracle targets.
type Epoch struct {
	NumBlocks int
	Targets   map[string]float64
}

// Options configures a Simulator. Zero-valued agents fall back to the
// defaults of DefaultAgents.
type Options struct {
	Rng    *rand.Rand
	Oracle oracle.Config
	GasFee float64

	Traders   Agent
	Providers Agent
	Producers Agent

	// OnSnapshot receives a snapshot before the first epoch and after
	// each epoch of a verbose Run.
	OnSnapshot func(Snapshot)
	// OnBlock is called after every committed block.
	OnBlock func(epoch int, block *chain.Block)

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// Simulator is not safe for concurrent use; one goroutine calls Run.
type Simulator struct {
	ledger *chain.Ledger
	amm    *amm.Protocol
	oracle *oracle.Oracle
	rng    *rand.Rand
	gasFee float64

	traders, providers, producers Agent

	users     []*ledger.Account
	lps       []*ledger.Account
	producerA []*ledger.Account

	phase   Phase
	epoch   int
	targets map[string]float64

	onSnapshot func(Snapshot)
	onBlock    func(int, *chain.Block)
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// DefaultAgents returns the stock trader, provider and producer strategies.
func DefaultAgents() (traders, providers, producers Agent) {
	return TraderAgent{MinFraction: 0.01, MaxFraction: 1.0},
		ProviderAgent{Share: 0.2, Threshold: 0.05},
		ProducerAgent{}
}

func New(l *chain.Ledger, protocol *amm.Protocol, opts Options) *Simulator {
	if opts.Rng == nil {
		opts.Rng = rand.New(rand.NewSource(1))
	}
	traders, providers, producers := DefaultAgents()
	if opts.Traders != nil {
		traders = opts.Traders
	}
	if opts.Providers != nil {
		providers = opts.Providers
	}
	if opts.Producers != nil {
		producers = opts.Producers
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	// the oracle gets its own stream so agent population size does not
	// change the price path
	oracleRng := rand.New(rand.NewSource(opts.Rng.Int63()))

	return &Simulator{
		ledger:     l,
		amm:        protocol,
		oracle:     oracle.New(opts.Oracle, oracleRng),
		rng:        opts.Rng,
		gasFee:     opts.GasFee,
		traders:    traders,
		providers:  providers,
		producers:  producers,
		onSnapshot: opts.OnSnapshot,
		onBlock:    opts.OnBlock,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

func (s *Simulator) Ledger() *chain.Ledger  { return s.ledger }
func (s *Simulator) AMM() *amm.Protocol     { return s.amm }
func (s *Simulator) Oracle() *oracle.Oracle { return s.oracle }
func (s *Simulator) Phase() Phase           { return s.phase }

// Epoch is the number of epochs completed so far.
func (s *Simulator) Epoch() int { return s.epoch }

func (s *Simulator) Users() []*ledger.Account     { return s.users }
func (s *Simulator) Providers() []*ledger.Account { return s.lps }
func (s *Simulator) Producers() []*ledger.Account { return s.producerA }

// ============================================================================
// Population
// ============================================================================

// CreateUsers adds n traders named User_<i>, numbering on from any
// existing users, each holding UserEndowment of every token.
func (s *Simulator) CreateUsers(n int) ([]*ledger.Account, error) {
	accs, err := s.populate("User", len(s.users), n, UserEndowment, s.ledger.CreateAccount)
	s.users = append(s.users, accs...)
	return accs, err
}

// CreateLiquidityProviders adds n providers named LP_<i>.
func (s *Simulator) CreateLiquidityProviders(n int) ([]*ledger.Account, error) {
	accs, err := s.populate("LP", len(s.lps), n, ProviderEndowment, s.ledger.CreateAccount)
	s.lps = append(s.lps, accs...)
	return accs, err
}

// CreateBlockProducers adds n producers named BP_<i>.
func (s *Simulator) CreateBlockProducers(n int) ([]*ledger.Account, error) {
	accs, err := s.populate("BP", len(s.producerA), n, ProducerEndowment, s.ledger.CreateProducer)
	s.producerA = append(s.producerA, accs...)
	return accs, err
}

func (s *Simulator) populate(prefix string, offset, n int, endowment float64, create func(string) *ledger.Account) ([]*ledger.Account, error) {
	if n < 0 {
		return nil, ledger.ErrInvalidConfig.Wrapf("%s count %d", prefix, n)
	}
	var tokens []string
	_ = s.ledger.Read(func(st chain.State) error {
		tokens = st.Registry.Names()
		return nil
	})

	accs := make([]*ledger.Account, 0, n)
	for i := 0; i < n; i++ {
		acc := create(fmt.Sprintf("%s_%d", prefix, offset+i))
		for _, t := range tokens {
			if err := s.ledger.Mint(acc.Address, t, endowment); err != nil {
				return accs, err
			}
		}
		accs = append(accs, acc)
	}
	return accs, nil
}

// ============================================================================
// Run
// ============================================================================

// Run plays epochs in order. Each block steps the oracle, lets traders,
// providers and producers submit, then commits. Run stops between blocks
// when ctx is cancelled and returns ctx.Err().
func (s *Simulator) Run(ctx context.Context, epochs []Epoch, verbose bool) error {
	if s.phase == PhaseRunning {
		return ledger.ErrInvalidConfig.Wrap("simulation already running")
	}
	s.phase = PhaseRunning
	defer func() { s.phase = PhaseIdle }()

	if verbose {
		s.snapshot()
	}

	for i, ep := range epochs {
		if ep.NumBlocks < 0 {
			return ledger.ErrInvalidConfig.Wrapf("epoch %d has %d blocks", i, ep.NumBlocks)
		}
		s.targets = ep.Targets
		if s.oracle.Config().ResetPerEpoch {
			s.oracle.Reset()
		}
		start := time.Now()

		for b := 0; b < ep.NumBlocks; b++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.step(); err != nil {
				return err
			}
		}

		s.epoch++
		if s.metrics != nil {
			s.metrics.EpochsCompleted.Inc()
		}
		s.logger.Info().
			Int("epoch", s.epoch).
			Int("blocks", ep.NumBlocks).
			Int64("height", s.ledger.Height()).
			Dur("elapsed", time.Since(start)).
			Msg("epoch complete")

		if verbose {
			s.snapshot()
		}
	}
	return nil
}

// step produces exactly one block.
func (s *Simulator) step() error {
	prices := s.oracle.Step(s.targets)
	if err := s.ledger.SetReferencePrices(prices); err != nil {
		return err
	}
	if s.metrics != nil {
		for t, off := range s.oracle.Offsets() {
			s.metrics.OracleOffset.WithLabelValues(t).Set(off)
		}
	}

	err := s.ledger.Read(func(st chain.State) error {
		phases := []struct {
			agent    Agent
			accounts []*ledger.Account
		}{
			{s.traders, s.users},
			{s.providers, s.lps},
			{s.producers, s.producerA},
		}
		for _, ph := range phases {
			env := &Env{
				State:    st,
				AMM:      s.amm,
				Rng:      s.rng,
				Accounts: ph.accounts,
				GasFee:   s.gasFee,
				Height:   st.Height,
				submit:   s.ledger.Submit,
			}
			if err := ph.agent.Act(env); err != nil {
				return fmt.Errorf("%s agent: %w", ph.agent.Name(), err)
			}
			if s.metrics != nil && env.count > 0 {
				s.metrics.AgentActions.WithLabelValues(ph.agent.Name()).Add(float64(env.count))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	block := s.ledger.CommitBlock()
	if s.onBlock != nil {
		s.onBlock(s.epoch, block)
	}
	return nil
}

func (s *Simulator) snapshot() {
	snap := s.Snapshot()
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
		return
	}
	ev := s.logger.Info().Int("epoch", snap.Epoch).Int64("height", snap.Height)
	for _, g := range snap.Groups {
		ev = ev.Float64(g.Name+"_value", g.Value)
	}
	ev.Msg("snapshot")
}

// ============================================================================
// Snapshots
// ============================================================================

// GroupValue is the oracle-priced value held by one agent population.
type GroupValue struct {
	Name     string  `json:"name"`
	Accounts int     `json:"accounts"`
	Value    float64 `json:"value"`
}

type PoolSnapshot struct {
	Pair      string  `json:"pair"`
	TokenA    string  `json:"token_a"`
	TokenB    string  `json:"token_b"`
	ReserveA  float64 `json:"reserve_a"`
	ReserveB  float64 `json:"reserve_b"`
	SpotPrice float64 `json:"spot_price"` // tokenB per tokenA
	Oracle    float64 `json:"oracle"`     // same ratio from reference prices
	TVL       float64 `json:"tvl"`
}

// Snapshot is a summary of the simulation between epochs.
type Snapshot struct {
	Epoch   int                `json:"epoch"`
	Height  int64              `json:"height"`
	Tip     chain.Hash         `json:"tip"`
	Prices  map[string]float64 `json:"prices"`
	Groups  []GroupValue       `json:"groups"`
	Pools   []PoolSnapshot     `json:"pools"`
	Settled float64            `json:"gas_settled"`
}

func (s *Simulator) Snapshot() Snapshot {
	snap := Snapshot{Epoch: s.epoch, Tip: s.ledger.Tip()}

	_ = s.ledger.Read(func(st chain.State) error {
		snap.Height = st.Height
		snap.Prices = st.Registry.Prices()
		price := st.Registry.Price

		groups := []struct {
			name string
			accs []*ledger.Account
		}{
			{"users", s.users},
			{"providers", s.lps},
			{"producers", s.producerA},
		}
		for _, g := range groups {
			gv := GroupValue{Name: g.name, Accounts: len(g.accs)}
			for _, acc := range g.accs {
				gv.Value += acc.Wallet.TotalValue(price)
			}
			snap.Groups = append(snap.Groups, gv)
		}
		for _, p := range st.Producers {
			snap.Settled += p.Producer.Settlement
		}

		for _, pool := range s.amm.Pools() {
			ps := pool.State()
			entry := PoolSnapshot{
				Pair:     ps.Pair,
				TokenA:   ps.TokenA,
				TokenB:   ps.TokenB,
				ReserveA: ps.ReserveA,
				ReserveB: ps.ReserveB,
				TVL:      pool.TVL(price),
			}
			if ps.ReserveA > 0 {
				entry.SpotPrice = ps.ReserveB / ps.ReserveA
			}
			if pb := price(ps.TokenB); pb > 0 {
				entry.Oracle = price(ps.TokenA) / pb
			}
			snap.Pools = append(snap.Pools, entry)
		}
		return nil
	})
	return snap
}
