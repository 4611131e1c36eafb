package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
)

// PebbleStore persists exchange state in Pebble.
// Thread-safe for Commit: every change set is one atomic batch.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error { return s.db.Close() }

// Load reads every balance, credit and order
func (s *PebbleStore) Load() (*State, error) {
	st := &State{}

	if err := scan(s.db, []byte(prefixBalance), func(v []byte) error {
		var e ledger.BalanceEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal balance: %w", err)
		}
		st.Balances = append(st.Balances, e)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := scan(s.db, []byte(prefixCredit), func(v []byte) error {
		var e ledger.CreditEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal credit: %w", err)
		}
		st.Credits = append(st.Credits, e)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := scan(s.db, []byte(prefixOrder), func(v []byte) error {
		var o orderbook.SellOrder
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		st.Orders = append(st.Orders, o)
		return nil
	}); err != nil {
		return nil, err
	}

	val, closer, err := s.db.Get(keyLastSeq)
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		return nil, fmt.Errorf("failed to get last sequence: %w", err)
	default:
		defer closer.Close()
		if st.LastSeq, err = decodeSeq(val); err != nil {
			return nil, err
		}
	}

	return st, nil
}

// Commit writes the change set as one synced batch
func (s *PebbleStore) Commit(cs *ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, b := range cs.Balances {
		key := balanceKey(b.Asset, b.Account)
		if b.Amount == 0 {
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := setJSON(batch, key, b); err != nil {
			return fmt.Errorf("failed to stage balance: %w", err)
		}
	}
	for _, c := range cs.Credits {
		key := creditKey(c.Account)
		if c.Amount == 0 {
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := setJSON(batch, key, c); err != nil {
			return fmt.Errorf("failed to stage credit: %w", err)
		}
	}
	for _, k := range cs.DeletedOrders {
		if err := batch.Delete(orderKey(k.Asset, k.Seller), nil); err != nil {
			return err
		}
	}
	for _, o := range cs.Orders {
		if err := setJSON(batch, orderKey(o.Asset, o.Seller), o); err != nil {
			return fmt.Errorf("failed to stage order: %w", err)
		}
	}
	for _, t := range cs.Trades {
		if err := setJSON(batch, tradeKey(t.Asset, t.Seq), t); err != nil {
			return fmt.Errorf("failed to stage trade: %w", err)
		}
	}
	if cs.LastSeq != 0 {
		if err := batch.Set(keyLastSeq, encodeSeq(cs.LastSeq), nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// RecentTrades loads the most recent trades for an asset, newest first
func (s *PebbleStore) RecentTrades(asset common.Address, limit int) ([]orderbook.Trade, error) {
	prefix := tradePrefix(asset)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var trades []orderbook.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t orderbook.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // Skip invalid entries
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, data, nil)
}

func scan(db *pebble.DB, prefix []byte, fn func(v []byte) error) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ Store = (*PebbleStore)(nil)
