package chain

import (
	"math"

	errorsmod "cosmossdk.io/errors"

	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Transaction is an immutable intent: sender calls a function of a contract.
type Transaction struct {
	key      string
	sender   *ledger.Account
	contract contract.Contract
	call     contract.Call
	gasFee   float64
}

// NewTransaction checks only that every field is present; the contract
// decides at execution time whether the call succeeds.
func NewTransaction(sender *ledger.Account, target contract.Contract, call contract.Call, gasFee float64) (*Transaction, error) {
	switch {
	case sender == nil:
		return nil, ledger.ErrInvalidTransaction.Wrap("missing sender")
	case target == nil:
		return nil, ledger.ErrInvalidTransaction.Wrap("missing contract")
	case call == nil:
		return nil, ledger.ErrInvalidTransaction.Wrap("missing call")
	case gasFee < 0 || math.IsNaN(gasFee) || math.IsInf(gasFee, 0):
		return nil, ledger.ErrInvalidTransaction.Wrapf("gas fee %v", gasFee)
	}
	return &Transaction{
		sender:   sender,
		contract: target,
		call:     call,
		gasFee:   gasFee,
	}, nil
}

// WithKey returns a copy carrying an idempotency key from an external
// submitter.
func (t *Transaction) WithKey(key string) *Transaction {
	cp := *t
	cp.key = key
	return &cp
}

func (t *Transaction) Key() string                 { return t.key }
func (t *Transaction) Sender() *ledger.Account     { return t.sender }
func (t *Transaction) Contract() contract.Contract { return t.contract }
func (t *Transaction) Call() contract.Call         { return t.call }
func (t *Transaction) Function() string            { return t.call.Function() }
func (t *Transaction) GasFee() float64             { return t.gasFee }

// Execute dispatches the call to the target contract.
func (t *Transaction) Execute() (contract.Result, error) {
	return t.contract.Process(t.sender, t.call)
}

// Status is the outcome of an executed transaction.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Receipt records how one transaction of a block executed.
type Receipt struct {
	Index      int               `json:"index"`
	Key        string            `json:"key,omitempty"`
	Sender     ledger.Address    `json:"sender"`
	SenderName string            `json:"sender_name"`
	Contract   string            `json:"contract"`
	Function   string            `json:"function"`
	Args       contract.Call     `json:"args"`
	GasFee     float64           `json:"gas_fee"`
	Status     Status            `json:"status"`
	Output     float64           `json:"output"`
	Codespace  string            `json:"codespace,omitempty"`
	Code       uint32            `json:"code,omitempty"`
	Log        string            `json:"log,omitempty"`
	Movements  []ledger.Movement `json:"movements,omitempty"`
}

func (r Receipt) Succeeded() bool {
	return r.Status == StatusSuccess
}

func newReceipt(index int, tx *Transaction, res contract.Result, err error) Receipt {
	r := Receipt{
		Index:      index,
		Key:        tx.key,
		Sender:     tx.sender.Address,
		SenderName: tx.sender.Name,
		Contract:   tx.contract.Name(),
		Function:   tx.Function(),
		Args:       tx.call,
		GasFee:     tx.gasFee,
	}
	if err != nil {
		r.Status = StatusFailed
		r.Codespace, r.Code, r.Log = errorsmod.ABCIInfo(err, false)
		return r
	}
	r.Status = StatusSuccess
	r.Output = res.Output
	r.Movements = res.Movements
	return r
}
