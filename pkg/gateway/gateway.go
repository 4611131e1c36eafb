// Package gateway moves token units and payments between users' external
// holdings and the exchange escrow.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrReverted              = errors.New("transaction reverted")

	// ErrPending marks a transfer that was broadcast but not confirmed in
	// time. It may still be mined, so callers must not compensate for it.
	ErrPending = errors.New("transfer pending")
)

// PendingError carries the hash of a broadcast transaction whose outcome is unknown
type PendingError struct {
	Tx  common.Hash
	Err error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPending, e.Tx.Hex(), e.Err)
}

func (e *PendingError) Is(target error) bool { return target == ErrPending }

func (e *PendingError) Unwrap() error { return e.Err }

// Gateway is the custody boundary the exchange engine calls out to.
// Implementations may call back into the engine while a call is in flight.
//
// A nil error means the transfer happened. An error matching ErrPending means
// it may still happen. Any other error means it did not.
type Gateway interface {
	// Escrow returns the address holding all deposited units
	Escrow() common.Address

	// Pull moves amount units of asset from owner into escrow using the
	// allowance owner granted to the escrow
	Pull(ctx context.Context, asset, owner common.Address, amount uint64) error

	// Push moves amount units of asset from escrow to recipient
	Push(ctx context.Context, asset, recipient common.Address, amount uint64) error

	// BalanceOf returns the external balance of holder
	BalanceOf(ctx context.Context, asset, holder common.Address) (uint64, error)

	// Pay sends amount payment units from escrow to recipient (zero is allowed)
	Pay(ctx context.Context, recipient common.Address, amount uint64) error
}
