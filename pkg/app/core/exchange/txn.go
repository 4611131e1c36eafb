package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/tokenexchange/pkg/storage"
)

// txn stages one operation's mutations on the in-memory ledger and book.
// commit persists the touched keys in a single store batch; a failed commit,
// or an explicit rollback, replays the undo log so no partial effect survives.
// Callers hold e.mu for the whole life of a txn.
type txn struct {
	e    *Engine
	undo []func()

	balances map[ledger.Key]struct{}
	credits  map[common.Address]struct{}
	orders   map[orderbook.Key]struct{}
	trades   []orderbook.Trade
	seqMoved bool
}

// events are published to hooks after the engine lock is released
type events struct {
	trades []orderbook.Trade
	offers []OfferEvent
}

func (e *Engine) begin() *txn {
	return &txn{
		e:        e,
		balances: make(map[ledger.Key]struct{}),
		credits:  make(map[common.Address]struct{}),
		orders:   make(map[orderbook.Key]struct{}),
	}
}

func (t *txn) addTokens(account, asset common.Address, amount uint64) error {
	old := t.e.ledger.TokenBalance(account, asset)
	if err := t.e.ledger.AddTokens(account, asset, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.e.ledger.SetTokens(account, asset, old) })
	t.balances[ledger.Key{Account: account, Asset: asset}] = struct{}{}
	return nil
}

func (t *txn) subTokens(account, asset common.Address, amount uint64) error {
	old := t.e.ledger.TokenBalance(account, asset)
	if err := t.e.ledger.SubTokens(account, asset, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.e.ledger.SetTokens(account, asset, old) })
	t.balances[ledger.Key{Account: account, Asset: asset}] = struct{}{}
	return nil
}

func (t *txn) addCredit(account common.Address, amount uint64) error {
	old := t.e.ledger.Credit(account)
	if err := t.e.ledger.AddCredit(account, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.e.ledger.SetCredit(account, old) })
	t.credits[account] = struct{}{}
	return nil
}

func (t *txn) takeCredit(account common.Address) uint64 {
	amount := t.e.ledger.TakeCredit(account)
	t.undo = append(t.undo, func() { t.e.ledger.SetCredit(account, amount) })
	t.credits[account] = struct{}{}
	return amount
}

func (t *txn) placeOrder(o orderbook.SellOrder) {
	prev, replaced := t.e.book.Place(o)
	t.undo = append(t.undo, func() { t.restoreSlot(o.Asset, o.Seller, prev, replaced) })
	t.orders[o.Key()] = struct{}{}
}

func (t *txn) cancelOrder(asset, seller common.Address) (orderbook.SellOrder, bool) {
	prev, ok := t.e.book.Cancel(asset, seller)
	if ok {
		t.undo = append(t.undo, func() { t.e.book.Place(prev) })
		t.orders[prev.Key()] = struct{}{}
	}
	return prev, ok
}

func (t *txn) fillOrder(asset, seller common.Address, qty uint64) error {
	prev, err := t.e.book.Fill(asset, seller, qty)
	if err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.e.book.Place(prev) })
	t.orders[prev.Key()] = struct{}{}
	return nil
}

func (t *txn) recordTrade(tr orderbook.Trade) orderbook.Trade {
	t.e.seq++
	tr.Seq = t.e.seq
	t.undo = append(t.undo, func() { t.e.seq-- })
	t.trades = append(t.trades, tr)
	t.seqMoved = true
	return tr
}

func (t *txn) restoreSlot(asset, seller common.Address, prev orderbook.SellOrder, existed bool) {
	if existed {
		t.e.book.Place(prev)
		return
	}
	t.e.book.Cancel(asset, seller)
}

// rollback undoes every staged mutation, newest first
func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// commit persists the current value of every touched key.
// On failure the in-memory state is rolled back before returning.
func (t *txn) commit() (events, error) {
	cs := &storage.ChangeSet{Trades: t.trades}
	var ev events

	for k := range t.balances {
		cs.Balances = append(cs.Balances, ledger.BalanceEntry{
			Account: k.Account,
			Asset:   k.Asset,
			Amount:  t.e.ledger.TokenBalance(k.Account, k.Asset),
		})
	}
	for a := range t.credits {
		cs.Credits = append(cs.Credits, ledger.CreditEntry{Account: a, Amount: t.e.ledger.Credit(a)})
	}
	for k := range t.orders {
		o, ok := t.e.book.Lookup(k.Asset, k.Seller)
		if ok {
			cs.Orders = append(cs.Orders, o)
			ev.offers = append(ev.offers, OfferEvent{Asset: k.Asset, Seller: k.Seller, Order: &o})
		} else {
			cs.DeletedOrders = append(cs.DeletedOrders, k)
			ev.offers = append(ev.offers, OfferEvent{Asset: k.Asset, Seller: k.Seller})
		}
	}
	if t.seqMoved {
		cs.LastSeq = t.e.seq
	}

	if err := t.e.store.Commit(cs); err != nil {
		t.rollback()
		return events{}, fmt.Errorf("persist: %w", err)
	}
	ev.trades = t.trades
	return ev, nil
}
