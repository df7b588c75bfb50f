// Package chain is the single-writer ledger: it owns tokens, accounts and
// contracts, queues transactions in a mempool and commits them into an
// append-only sequence of hashed blocks.
package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// DefaultSupplyCheckInterval is how many blocks pass between conservation
// checks.
const DefaultSupplyCheckInterval = 100

// Options configures a Ledger. The zero value is usable.
type Options struct {
	// Seed drives the address allocator.
	Seed int64
	// SupplyCheckInterval <= 0 selects DefaultSupplyCheckInterval.
	SupplyCheckInterval int64
	SupplyTolerance     float64

	// PersistChan receives every block with a blocking send.
	PersistChan chan<- *Block

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// Ledger serializes all state mutation. Reads go through Read; the mempool
// has its own lock so agents can submit while holding a read view.
type Ledger struct {
	mu       sync.RWMutex
	commitMu sync.Mutex

	registry   *ledger.Registry
	accounts   map[ledger.Address]*ledger.Account
	order      []*ledger.Account
	producers  []*ledger.Account
	contracts  map[string]contract.Contract
	contractsO []contract.Contract
	blocks     []*Block

	allocator     *ledger.AddressAllocator
	hasher        *StateHasher
	validator     *ledger.InvariantValidator
	checkInterval int64

	mempoolMu sync.Mutex
	mempool   []*Transaction

	subMu       sync.Mutex
	subscribers []*subscriber
	persistChan chan<- *Block

	metrics *observability.Metrics
	logger  zerolog.Logger
}

type subscriber struct {
	name string
	ch   chan *Block
}

func New(opts Options) *Ledger {
	interval := opts.SupplyCheckInterval
	if interval <= 0 {
		interval = DefaultSupplyCheckInterval
	}
	logger := observability.NewLogger("chain")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "chain").Logger()
	}

	return &Ledger{
		registry:      ledger.NewRegistry(),
		accounts:      make(map[ledger.Address]*ledger.Account),
		contracts:     make(map[string]contract.Contract),
		allocator:     ledger.NewAddressAllocator(opts.Seed),
		hasher:        NewStateHasher(),
		validator:     ledger.NewInvariantValidator(opts.SupplyTolerance),
		checkInterval: interval,
		persistChan:   opts.PersistChan,
		metrics:       opts.Metrics,
		logger:        logger,
	}
}

// ============================================================================
// Tokens
// ============================================================================

func (l *Ledger) CreateToken(name string, referencePrice float64) (*ledger.Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.Register(name, referencePrice)
}

// SetReferencePrice updates the oracle price of one token.
func (l *Ledger) SetReferencePrice(name string, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setPrice(name, price)
}

// SetReferencePrices applies a batch of oracle prices atomically: either all
// tokens exist and every price is updated, or nothing changes.
func (l *Ledger) SetReferencePrices(prices map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, price := range prices {
		if !l.registry.Has(name) {
			return ledger.ErrUnknownAsset.Wrapf("token %s is not registered", name)
		}
		if price < 0 {
			return ledger.ErrInvalidAmount.Wrapf("reference price %v for %s", price, name)
		}
	}
	for name, price := range prices {
		if err := l.setPrice(name, price); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) setPrice(name string, price float64) error {
	t, err := l.registry.Get(name)
	if err != nil {
		return err
	}
	if price < 0 {
		return ledger.ErrInvalidAmount.Wrapf("reference price %v for %s", price, name)
	}
	t.SetReferencePrice(price)
	if l.metrics != nil {
		l.metrics.OraclePrice.WithLabelValues(name).Set(price)
	}
	return nil
}

// ============================================================================
// Accounts
// ============================================================================

// CreateAccount allocates a fresh address for a new account.
func (l *Ledger) CreateAccount(name string) *ledger.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createAccount(name)
}

// CreateProducer creates an account carrying the block producer role.
func (l *Ledger) CreateProducer(name string) *ledger.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.createAccount(name)
	acc.Producer = &ledger.ProducerRole{}
	l.producers = append(l.producers, acc)
	return acc
}

func (l *Ledger) createAccount(name string) *ledger.Account {
	addr := l.allocator.Next()
	for l.accounts[addr] != nil {
		addr = l.allocator.Next()
	}
	acc := ledger.NewAccount(addr, name)
	l.accounts[addr] = acc
	l.order = append(l.order, acc)
	return acc
}

func (l *Ledger) Account(addr ledger.Address) (*ledger.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return nil, ledger.ErrUnknownAccount.Wrapf("address %s", addr)
	}
	return acc, nil
}

// Accounts lists accounts in creation order.
func (l *Ledger) Accounts() []*ledger.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*ledger.Account(nil), l.order...)
}

// Producers lists block producers in creation order.
func (l *Ledger) Producers() []*ledger.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*ledger.Account(nil), l.producers...)
}

// Mint creates new supply of a registered token in an account's wallet.
func (l *Ledger) Mint(addr ledger.Address, token string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[addr]
	if !ok {
		return ledger.ErrUnknownAccount.Wrapf("address %s", addr)
	}
	if !l.registry.Has(token) {
		return ledger.ErrUnknownAsset.Wrapf("token %s is not registered", token)
	}
	if err := acc.Wallet.Credit(token, amount); err != nil {
		return err
	}
	l.validator.RecordMint(token, amount)
	return nil
}

// AddSupply records tokens created outside any wallet, such as the genesis
// reserves of a pool.
func (l *Ledger) AddSupply(token string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.registry.Has(token) {
		return ledger.ErrUnknownAsset.Wrapf("token %s is not registered", token)
	}
	if amount < 0 {
		return ledger.ErrInvalidAmount.Wrapf("supply %v %s", amount, token)
	}
	l.validator.RecordMint(token, amount)
	return nil
}

// ============================================================================
// Contracts
// ============================================================================

func (l *Ledger) DeployContract(c contract.Contract) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c == nil || c.Name() == "" {
		return ledger.ErrUnknownContract.Wrap("contract has no name")
	}
	if _, exists := l.contracts[c.Name()]; exists {
		return ledger.ErrDuplicateContract.Wrapf("contract %s", c.Name())
	}
	l.contracts[c.Name()] = c
	l.contractsO = append(l.contractsO, c)
	return nil
}

func (l *Ledger) Contract(name string) (contract.Contract, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.contracts[name]
	if !ok {
		return nil, ledger.ErrUnknownContract.Wrapf("contract %s", name)
	}
	return c, nil
}

// ============================================================================
// Mempool
// ============================================================================

// Submit queues a transaction for the next block.
func (l *Ledger) Submit(tx *Transaction) error {
	if tx == nil || tx.sender == nil || tx.contract == nil || tx.call == nil {
		return ledger.ErrInvalidTransaction.Wrap("incomplete transaction")
	}

	l.mempoolMu.Lock()
	l.mempool = append(l.mempool, tx)
	size := len(l.mempool)
	l.mempoolMu.Unlock()

	if l.metrics != nil {
		l.metrics.MempoolSize.Set(float64(size))
	}
	return nil
}

func (l *Ledger) MempoolSize() int {
	l.mempoolMu.Lock()
	defer l.mempoolMu.Unlock()
	return len(l.mempool)
}

func (l *Ledger) drainMempool() []*Transaction {
	l.mempoolMu.Lock()
	defer l.mempoolMu.Unlock()
	txs := l.mempool
	l.mempool = nil
	return txs
}

// ============================================================================
// Blocks
// ============================================================================

// CommitBlock drains the mempool and commits its transactions in
// submission order.
func (l *Ledger) CommitBlock() *Block {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	txs := l.drainMempool()
	if l.metrics != nil {
		l.metrics.MempoolSize.Set(0)
	}
	return l.commit(txs)
}

// CommitTransactions commits an explicit list, leaving the mempool alone.
func (l *Ledger) CommitTransactions(txs []*Transaction) *Block {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	return l.commit(txs)
}

// commit runs under commitMu. State changes happen under mu; the block is
// emitted after mu is released so readers are not held up by consumers.
func (l *Ledger) commit(txs []*Transaction) *Block {
	start := time.Now()

	l.mu.Lock()
	block := l.execute(txs)
	l.mu.Unlock()

	l.emit(block)

	if l.metrics != nil {
		l.metrics.BlocksCommitted.Inc()
		l.metrics.ChainHeight.Set(float64(block.Number + 1))
		l.metrics.BlockTxs.Observe(float64(len(block.Receipts)))
		l.metrics.BlockDuration.Observe(time.Since(start).Seconds())
	}
	return block
}

func (l *Ledger) execute(txs []*Transaction) *Block {
	number := int64(len(l.blocks))
	block := &Block{
		Number:       number,
		Transactions: make([]*Transaction, 0, len(txs)),
		Receipts:     make([]Receipt, 0, len(txs)),
	}

	var producer *ledger.Account
	if n := len(l.producers); n > 0 {
		producer = l.producers[number%int64(n)]
		block.Producer = producer.Address
		block.ProducerName = producer.Name
	}

	for i, tx := range txs {
		if tx == nil {
			continue
		}
		res, err := tx.Execute()
		receipt := newReceipt(len(block.Receipts), tx, res, err)

		if err == nil {
			batch := ledger.Batch{Ref: fmt.Sprintf("%d/%d", number, i), Movements: res.Movements}
			if verr := l.validator.ValidateBatchBalance(&batch); verr != nil {
				panic(fmt.Sprintf("FATAL: malformed movements from %s.%s: %v", receipt.Contract, receipt.Function, verr))
			}
		} else {
			l.logger.Debug().
				Int64("block", number).
				Int("tx", receipt.Index).
				Str("sender", tx.sender.Name).
				Str("function", receipt.Function).
				Uint32("code", receipt.Code).
				Str("log", receipt.Log).
				Msg("transaction failed")
		}

		if producer != nil && err == nil && tx.gasFee > 0 {
			producer.Producer.Settlement += tx.gasFee
			if l.metrics != nil {
				l.metrics.GasSettled.Add(tx.gasFee)
			}
		}

		tx.sender.Append(ledger.Record{
			BlockNumber: number,
			TxIndex:     receipt.Index,
			Contract:    receipt.Contract,
			Function:    receipt.Function,
			Succeeded:   receipt.Succeeded(),
			Output:      receipt.Output,
			Movements:   receipt.Movements,
		})

		block.Transactions = append(block.Transactions, tx)
		block.Receipts = append(block.Receipts, receipt)

		if l.metrics != nil {
			l.metrics.TxExecuted.WithLabelValues(receipt.Function, string(receipt.Status)).Inc()
		}
	}

	if producer != nil {
		producer.Producer.BlocksCommitted++
	}
	block.Reserves = l.reserves()
	block.Prices = l.registry.Prices()

	hashStart := time.Now()
	block.PrevHash = l.hasher.Tip()
	block.StateHash = l.hasher.ComputeHash(number, block.digest())
	if l.metrics != nil {
		l.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		for _, p := range block.Reserves {
			l.metrics.PoolReserve.WithLabelValues(p.Contract, p.Pair, p.TokenA).Set(p.ReserveA)
			l.metrics.PoolReserve.WithLabelValues(p.Contract, p.Pair, p.TokenB).Set(p.ReserveB)
		}
	}

	l.blocks = append(l.blocks, block)

	if height := number + 1; height%l.checkInterval == 0 {
		if err := l.checkSupply(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at block %d: %v", number, err))
		}
	}
	return block
}

func (l *Ledger) reserves() []contract.PoolReserves {
	return collectReserves(l.contractsO)
}

func collectReserves(contracts []contract.Contract) []contract.PoolReserves {
	var out []contract.PoolReserves
	for _, c := range contracts {
		if holder, ok := c.(contract.ReserveHolder); ok {
			out = append(out, holder.Reserves()...)
		}
	}
	return out
}

// emit hands the block to persistence (blocking) and subscribers
// (non-blocking, dropped when full).
func (l *Ledger) emit(block *Block) {
	if l.persistChan != nil {
		select {
		case l.persistChan <- block:
		default:
			if l.metrics != nil {
				l.metrics.PersistBlocked.Inc()
			}
			l.persistChan <- block
		}
	}

	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, s := range l.subscribers {
		select {
		case s.ch <- block:
		default:
			if l.metrics != nil {
				l.metrics.FeedDrops.WithLabelValues(s.name).Inc()
			}
		}
		if l.metrics != nil {
			l.metrics.SetChannelMetrics(s.name, len(s.ch), cap(s.ch))
		}
	}
}

// Subscribe returns a channel receiving every committed block. Slow readers
// miss blocks rather than stall the ledger.
func (l *Ledger) Subscribe(name string, buffer int) <-chan *Block {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Block, buffer)
	l.subMu.Lock()
	l.subscribers = append(l.subscribers, &subscriber{name: name, ch: ch})
	l.subMu.Unlock()
	return ch
}

// CloseSubscriptions closes every subscriber channel. Call it once no more
// blocks will be committed.
func (l *Ledger) CloseSubscriptions() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, s := range l.subscribers {
		close(s.ch)
	}
	l.subscribers = nil
}

// Height is the number of committed blocks.
func (l *Ledger) Height() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.blocks))
}

func (l *Ledger) Block(number int64) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if number < 0 || number >= int64(len(l.blocks)) {
		return nil, ledger.ErrBlockNotFound.Wrapf("block %d (height %d)", number, len(l.blocks))
	}
	return l.blocks[number], nil
}

// Latest returns the newest block, or nil before the first commit.
func (l *Ledger) Latest() *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return nil
	}
	return l.blocks[len(l.blocks)-1]
}

// Tip is the state hash of the newest block, or the genesis hash.
func (l *Ledger) Tip() Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasher.Tip()
}

// ============================================================================
// Invariants
// ============================================================================

// CheckSupply verifies that wallets plus contract reserves add up to the
// minted supply of every token.
func (l *Ledger) CheckSupply() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkSupply()
}

func (l *Ledger) checkSupply() error {
	observed := make(map[string]float64)
	for _, acc := range l.order {
		for _, h := range acc.Wallet.Holdings() {
			observed[h.Token] += h.Amount
		}
	}
	for _, p := range l.reserves() {
		reserves := map[string]float64{p.TokenA: p.ReserveA, p.TokenB: p.ReserveB}
		if err := l.validator.ValidateNonNegative(ledger.PoolHolder(p.Contract, p.Pair), reserves); err != nil {
			return err
		}
		observed[p.TokenA] += p.ReserveA
		observed[p.TokenB] += p.ReserveB
	}

	if l.metrics != nil {
		l.metrics.SupplyChecks.Inc()
	}
	return l.validator.ValidateConservation(observed)
}

// ============================================================================
// Read views
// ============================================================================

// State is a consistent read view handed to Read callbacks. Its contents
// must not be retained or mutated after the callback returns.
type State struct {
	Registry  *ledger.Registry
	Accounts  []*ledger.Account
	Producers []*ledger.Account
	Contracts []contract.Contract
	Height    int64
	Tip       Hash
}

// Reserves lists the pools of every reserve-holding contract.
func (s State) Reserves() []contract.PoolReserves {
	return collectReserves(s.Contracts)
}

// Read runs fn while holding the state read lock. Inside fn only Submit and
// MempoolSize may be called on the ledger; anything else can deadlock.
func (l *Ledger) Read(fn func(s State) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(State{
		Registry:  l.registry,
		Accounts:  l.order,
		Producers: l.producers,
		Contracts: l.contractsO,
		Height:    int64(len(l.blocks)),
		Tip:       l.hasher.Tip(),
	})
}
