package ledger

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace groups every error kind the simulator registers. Receipts carry
// the codespace and code of the failure so they can be matched after the fact.
const Codespace = "dexsim"

// Error kinds raised at the point of violation. Wrap with Wrapf to add
// context; callers match with errors.Is.
var (
	ErrInvalidAmount         = errorsmod.Register(Codespace, 2, "invalid amount")
	ErrUnknownAsset          = errorsmod.Register(Codespace, 3, "unknown asset")
	ErrInsufficientFunds     = errorsmod.Register(Codespace, 4, "insufficient funds")
	ErrInsufficientLiquidity = errorsmod.Register(Codespace, 5, "insufficient liquidity")
	ErrPoolNotFound          = errorsmod.Register(Codespace, 6, "pool not found")
	ErrPoolAlreadyExists     = errorsmod.Register(Codespace, 7, "pool already exists")
	ErrInvalidPool           = errorsmod.Register(Codespace, 8, "invalid pool")
	ErrUnknownFunction       = errorsmod.Register(Codespace, 9, "unknown function")

	ErrUnknownAccount      = errorsmod.Register(Codespace, 10, "unknown account")
	ErrUnknownContract     = errorsmod.Register(Codespace, 11, "unknown contract")
	ErrDuplicateToken      = errorsmod.Register(Codespace, 12, "token already registered")
	ErrDuplicateContract   = errorsmod.Register(Codespace, 13, "contract already deployed")
	ErrInvalidTransaction  = errorsmod.Register(Codespace, 14, "invalid transaction")
	ErrRatioOutOfTolerance = errorsmod.Register(Codespace, 15, "deposit ratio out of tolerance")
	ErrInvalidConfig       = errorsmod.Register(Codespace, 16, "invalid configuration")
	ErrBlockNotFound       = errorsmod.Register(Codespace, 17, "block not found")
)
