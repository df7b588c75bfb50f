package amm

import (
	"bytes"
	"encoding/json"

	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Function names of the protocol.
const (
	FunctionSwap            = "swap"
	FunctionAddLiquidity    = "add_liquidity"
	FunctionRemoveLiquidity = "remove_liquidity"
)

// SwapCall sells AmountIn of TokenIn for TokenOut.
type SwapCall struct {
	TokenIn  string  `json:"token_in"`
	TokenOut string  `json:"token_out"`
	AmountIn float64 `json:"amount_in"`
}

func (SwapCall) Function() string { return FunctionSwap }

// AddLiquidityCall deposits both tokens of a pair.
type AddLiquidityCall struct {
	TokenA  string  `json:"token_a"`
	AmountA float64 `json:"amount_a"`
	TokenB  string  `json:"token_b"`
	AmountB float64 `json:"amount_b"`
}

func (AddLiquidityCall) Function() string { return FunctionAddLiquidity }

// RemoveLiquidityCall withdraws both tokens of a pair.
type RemoveLiquidityCall struct {
	TokenA  string  `json:"token_a"`
	AmountA float64 `json:"amount_a"`
	TokenB  string  `json:"token_b"`
	AmountB float64 `json:"amount_b"`
}

func (RemoveLiquidityCall) Function() string { return FunctionRemoveLiquidity }

// Functions lists the callable function names.
func Functions() []string {
	return []string{FunctionSwap, FunctionAddLiquidity, FunctionRemoveLiquidity}
}

// DecodeCall builds a typed call from a function name and its JSON
// arguments, as received from external submitters.
func DecodeCall(function string, args json.RawMessage) (contract.Call, error) {
	switch function {
	case FunctionSwap:
		var c SwapCall
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		return c, nil
	case FunctionAddLiquidity:
		var c AddLiquidityCall
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		return c, nil
	case FunctionRemoveLiquidity:
		var c RemoveLiquidityCall
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, ledger.ErrUnknownFunction.Wrapf("function %q", function)
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ledger.ErrInvalidTransaction.Wrapf("decode arguments: %v", err)
	}
	return nil
}
