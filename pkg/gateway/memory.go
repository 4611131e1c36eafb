package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Op names a gateway call for hooks
type Op string

const (
	OpPull Op = "pull"
	OpPush Op = "push"
	OpPay  Op = "pay"
)

// Hook runs before a transfer is applied, without any gateway lock held.
// Returning an error rejects the transfer. Hooks may call back into the exchange.
type Hook func(ctx context.Context, op Op, asset, account common.Address, amount uint64) error

type allowanceKey struct {
	asset, owner, spender common.Address
}

type holdingKey struct {
	asset, holder common.Address
}

// Memory is an in-process gateway with ERC-20 transfer and allowance semantics
// for any number of tokens, plus a native-coin ledger for payouts.
// Used for devnet mode and tests.
type Memory struct {
	mu         sync.Mutex
	escrow     common.Address
	holdings   map[holdingKey]uint64
	allowances map[allowanceKey]uint64
	paid       map[common.Address]uint64

	// Hook, when set, is called before every Pull, Push and Pay
	Hook Hook
}

// NewMemory creates an in-process gateway whose escrow is the given address
func NewMemory(escrow common.Address) *Memory {
	return &Memory{
		escrow:     escrow,
		holdings:   make(map[holdingKey]uint64),
		allowances: make(map[allowanceKey]uint64),
		paid:       make(map[common.Address]uint64),
	}
}

func (m *Memory) Escrow() common.Address { return m.escrow }

// Mint creates amount units of asset held by holder
func (m *Memory) Mint(asset, holder common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[holdingKey{asset, holder}] += amount
}

// Approve sets the allowance spender may pull from owner
func (m *Memory) Approve(asset, owner, spender common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{asset, owner, spender}] = amount
}

// Allowance returns the remaining allowance of spender over owner's units
func (m *Memory) Allowance(asset, owner, spender common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[allowanceKey{asset, owner, spender}]
}

// Transfer moves units directly between two holders
func (m *Memory) Transfer(asset, from, to common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferLocked(asset, from, to, amount)
}

// Paid returns the total payment sent to recipient
func (m *Memory) Paid(recipient common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[recipient]
}

func (m *Memory) Pull(ctx context.Context, asset, owner common.Address, amount uint64) error {
	if err := m.runHook(ctx, OpPull, asset, owner, amount); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ak := allowanceKey{asset, owner, m.escrow}
	if m.allowances[ak] < amount {
		return fmt.Errorf("%w: allowed %d, need %d", ErrInsufficientAllowance, m.allowances[ak], amount)
	}
	if err := m.transferLocked(asset, owner, m.escrow, amount); err != nil {
		return err
	}
	m.allowances[ak] -= amount
	return nil
}

func (m *Memory) Push(ctx context.Context, asset, recipient common.Address, amount uint64) error {
	if err := m.runHook(ctx, OpPush, asset, recipient, amount); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferLocked(asset, m.escrow, recipient, amount)
}

func (m *Memory) BalanceOf(_ context.Context, asset, holder common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdings[holdingKey{asset, holder}], nil
}

func (m *Memory) Pay(ctx context.Context, recipient common.Address, amount uint64) error {
	if err := m.runHook(ctx, OpPay, common.Address{}, recipient, amount); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid[recipient] += amount
	return nil
}

func (m *Memory) runHook(ctx context.Context, op Op, asset, account common.Address, amount uint64) error {
	if m.Hook == nil {
		return nil
	}
	return m.Hook(ctx, op, asset, account, amount)
}

// transferLocked moves units between holders (assumes lock is held)
func (m *Memory) transferLocked(asset, from, to common.Address, amount uint64) error {
	fk, tk := holdingKey{asset, from}, holdingKey{asset, to}
	if m.holdings[fk] < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from.Hex(), m.holdings[fk], amount)
	}
	m.holdings[fk] -= amount
	m.holdings[tk] += amount
	return nil
}

var _ Gateway = (*Memory)(nil)
