package storage

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
)

// State is the full persisted exchange state, loaded once at startup
type State struct {
	Balances []ledger.BalanceEntry `json:"balances"`
	Credits  []ledger.CreditEntry  `json:"credits"`
	Orders   []orderbook.SellOrder `json:"orders"`
	LastSeq  uint64                `json:"lastSeq"` // Sequence of the last recorded trade
}

// ChangeSet is everything one engine operation wrote.
// A store applies it atomically or not at all.
type ChangeSet struct {
	Balances      []ledger.BalanceEntry // Amount 0 deletes the entry
	Credits       []ledger.CreditEntry  // Amount 0 deletes the entry
	Orders        []orderbook.SellOrder
	DeletedOrders []orderbook.Key
	Trades        []orderbook.Trade
	LastSeq       uint64 // 0 = unchanged
}

// Empty reports whether the change set writes nothing
func (cs *ChangeSet) Empty() bool {
	return len(cs.Balances) == 0 && len(cs.Credits) == 0 && len(cs.Orders) == 0 &&
		len(cs.DeletedOrders) == 0 && len(cs.Trades) == 0 && cs.LastSeq == 0
}

// Store persists ledger and order book state
type Store interface {
	Load() (*State, error)
	Commit(cs *ChangeSet) error
	RecentTrades(asset common.Address, limit int) ([]orderbook.Trade, error)
	Close() error
}
