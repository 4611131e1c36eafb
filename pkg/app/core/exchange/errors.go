package exchange

import (
	"errors"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/ledger"
)

// Operation errors. Every operation that returns one of these left the
// ledger and order book exactly as they were before the call.
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidPrice            = errors.New("invalid price")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientOrderAmount = errors.New("insufficient order amount")
	ErrNoActiveOrder           = errors.New("no active order")
	ErrInsufficientPayment     = errors.New("insufficient payment")
	ErrTransferRejected        = errors.New("transfer rejected")

	// ErrOverflow is returned when a settlement would push the buyer's
	// balance or the seller's credit past the uint64 range
	ErrOverflow = ledger.ErrOverflow
)

// ErrTransferPending is returned when the gateway broadcast a transfer but
// could not confirm it. The ledger keeps the operation's debit so the
// transfer is not paid twice, and the outcome must be reconciled on chain.
var ErrTransferPending = errors.New("transfer pending")
