package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
)

// MemoryStore keeps state in process memory. Used for devnet mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[ledger.Key]uint64
	credits  map[common.Address]uint64
	orders   map[orderbook.Key]orderbook.SellOrder
	trades   map[common.Address][]orderbook.Trade
	lastSeq  uint64

	// CommitErr, when set, makes every Commit fail without writing
	CommitErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[ledger.Key]uint64),
		credits:  make(map[common.Address]uint64),
		orders:   make(map[orderbook.Key]orderbook.SellOrder),
		trades:   make(map[common.Address][]orderbook.Trade),
	}
}

func (s *MemoryStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &State{LastSeq: s.lastSeq}
	for k, v := range s.balances {
		st.Balances = append(st.Balances, ledger.BalanceEntry{Account: k.Account, Asset: k.Asset, Amount: v})
	}
	for a, v := range s.credits {
		st.Credits = append(st.Credits, ledger.CreditEntry{Account: a, Amount: v})
	}
	for _, o := range s.orders {
		st.Orders = append(st.Orders, o)
	}
	return st, nil
}

func (s *MemoryStore) Commit(cs *ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CommitErr != nil {
		return s.CommitErr
	}

	for _, b := range cs.Balances {
		key := ledger.Key{Account: b.Account, Asset: b.Asset}
		if b.Amount == 0 {
			delete(s.balances, key)
		} else {
			s.balances[key] = b.Amount
		}
	}
	for _, c := range cs.Credits {
		if c.Amount == 0 {
			delete(s.credits, c.Account)
		} else {
			s.credits[c.Account] = c.Amount
		}
	}
	for _, k := range cs.DeletedOrders {
		delete(s.orders, k)
	}
	for _, o := range cs.Orders {
		s.orders[o.Key()] = o
	}
	for _, t := range cs.Trades {
		s.trades[t.Asset] = append(s.trades[t.Asset], t)
	}
	if cs.LastSeq != 0 {
		s.lastSeq = cs.LastSeq
	}
	return nil
}

func (s *MemoryStore) RecentTrades(asset common.Address, limit int) ([]orderbook.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.trades[asset]
	var out []orderbook.Trade
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
