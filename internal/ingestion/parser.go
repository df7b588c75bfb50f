// Package ingestion moves transactions in and blocks out over NATS
// JetStream: external submitters publish transaction requests, and every
// committed block is republished for downstream consumers.
package ingestion

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// TxRequest is the wire form of an externally submitted transaction.
type TxRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Sender         string          `json:"sender"`
	Contract       string          `json:"contract"`
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args"`
	GasFee         float64         `json:"gas_fee"`
}

// Resolver looks up the accounts and contracts a request names.
// *chain.Ledger implements it.
type Resolver interface {
	Account(addr ledger.Address) (*ledger.Account, error)
	Contract(name string) (contract.Contract, error)
}

// DecodeTxRequest unmarshals a request, rejecting unknown fields.
func DecodeTxRequest(data []byte) (TxRequest, error) {
	var req TxRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return TxRequest{}, ledger.ErrInvalidTransaction.Wrapf("decode request: %v", err)
	}
	return req, req.Validate()
}

func (r TxRequest) Validate() error {
	switch {
	case r.IdempotencyKey == "":
		return ledger.ErrInvalidTransaction.Wrap("missing idempotency_key")
	case r.Sender == "":
		return ledger.ErrInvalidTransaction.Wrap("missing sender")
	case r.Contract == "":
		return ledger.ErrInvalidTransaction.Wrap("missing contract")
	case r.Function == "":
		return ledger.ErrInvalidTransaction.Wrap("missing function")
	case r.GasFee < 0 || math.IsNaN(r.GasFee) || math.IsInf(r.GasFee, 0):
		return ledger.ErrInvalidTransaction.Wrapf("gas_fee %v", r.GasFee)
	}
	return nil
}

// BuildTransaction resolves the sender and contract of req and decodes its
// arguments into a typed call. Balances are not checked here; an
// unaffordable call fails at execution with a receipt.
func BuildTransaction(req TxRequest, res Resolver) (*chain.Transaction, error) {
	addr, err := ledger.ParseAddress(req.Sender)
	if err != nil {
		return nil, err
	}
	sender, err := res.Account(addr)
	if err != nil {
		return nil, err
	}
	target, err := res.Contract(req.Contract)
	if err != nil {
		return nil, err
	}
	call, err := amm.DecodeCall(req.Function, req.Args)
	if err != nil {
		return nil, err
	}

	tx, err := chain.NewTransaction(sender, target, call, req.GasFee)
	if err != nil {
		return nil, err
	}
	return tx.WithKey(req.IdempotencyKey), nil
}
