package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
)

// Key identifies one escrowed token balance
type Key struct {
	Account common.Address // Owner of the escrowed units
	Asset   common.Address // Token contract address
}

// BalanceEntry is one (account, asset) balance, used for listings and persistence
type BalanceEntry struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  uint64         `json:"amount"`
}

// CreditEntry is one account's withdrawable payment credit
type CreditEntry struct {
	Account common.Address `json:"account"`
	Amount  uint64         `json:"amount"`
}

// Ledger holds escrowed token balances and payment credit.
// Not safe for concurrent use: the exchange engine serializes all access.
type Ledger struct {
	tokens  map[Key]uint64            // (account, asset) → escrowed units
	credits map[common.Address]uint64 // account → withdrawable payment
	supply  map[common.Address]uint64 // asset → sum of all balances
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		tokens:  make(map[Key]uint64),
		credits: make(map[common.Address]uint64),
		supply:  make(map[common.Address]uint64),
	}
}

// TokenBalance returns the escrowed units of asset held for account
func (l *Ledger) TokenBalance(account, asset common.Address) uint64 {
	return l.tokens[Key{Account: account, Asset: asset}]
}

// Credit returns the payment credit owed to account
func (l *Ledger) Credit(account common.Address) uint64 {
	return l.credits[account]
}

// Supply returns the total escrowed units of asset across all accounts
func (l *Ledger) Supply(asset common.Address) uint64 {
	return l.supply[asset]
}

// AddTokens credits amount units of asset to account
func (l *Ledger) AddTokens(account, asset common.Address, amount uint64) error {
	key := Key{Account: account, Asset: asset}
	bal := l.tokens[key]
	if bal+amount < bal || l.supply[asset]+amount < l.supply[asset] {
		return fmt.Errorf("%w: %s/%s", ErrOverflow, account.Hex(), asset.Hex())
	}
	l.SetTokens(account, asset, bal+amount)
	return nil
}

// SubTokens debits amount units of asset from account
// Returns ErrInsufficientBalance and leaves the ledger unchanged if the balance is too low
func (l *Ledger) SubTokens(account, asset common.Address, amount uint64) error {
	bal := l.TokenBalance(account, asset)
	if amount > bal {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, bal, amount)
	}
	l.SetTokens(account, asset, bal-amount)
	return nil
}

// SetTokens overwrites a balance, keeping the per-asset supply in step.
// Zero balances are dropped from the map.
func (l *Ledger) SetTokens(account, asset common.Address, amount uint64) {
	key := Key{Account: account, Asset: asset}
	l.supply[asset] = l.supply[asset] - l.tokens[key] + amount
	if l.supply[asset] == 0 {
		delete(l.supply, asset)
	}
	if amount == 0 {
		delete(l.tokens, key)
		return
	}
	l.tokens[key] = amount
}

// AddCredit accrues payment credit for account
func (l *Ledger) AddCredit(account common.Address, amount uint64) error {
	cur := l.credits[account]
	if cur+amount < cur {
		return fmt.Errorf("%w: credit of %s", ErrOverflow, account.Hex())
	}
	l.SetCredit(account, cur+amount)
	return nil
}

// TakeCredit returns the account's credit and resets it to zero
func (l *Ledger) TakeCredit(account common.Address) uint64 {
	amount := l.credits[account]
	delete(l.credits, account)
	return amount
}

// SetCredit overwrites the credit of account
func (l *Ledger) SetCredit(account common.Address, amount uint64) {
	if amount == 0 {
		delete(l.credits, account)
		return
	}
	l.credits[account] = amount
}

// Balances returns all non-zero balances sorted by asset, then account
func (l *Ledger) Balances() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(l.tokens))
	for k, v := range l.tokens {
		out = append(out, BalanceEntry{Account: k.Account, Asset: k.Asset, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Asset[:], out[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

// Credits returns all non-zero credits sorted by account
func (l *Ledger) Credits() []CreditEntry {
	out := make([]CreditEntry, 0, len(l.credits))
	for a, v := range l.credits {
		out = append(out, CreditEntry{Account: a, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

// Restore loads persisted entries into an empty ledger
func (l *Ledger) Restore(balances []BalanceEntry, credits []CreditEntry) {
	for _, b := range balances {
		l.SetTokens(b.Account, b.Asset, b.Amount)
	}
	for _, c := range credits {
		l.SetCredit(c.Account, c.Amount)
	}
}
