package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/tokenexchange/pkg/gateway"
	"github.com/uhyunpark/tokenexchange/pkg/storage"
	"github.com/uhyunpark/tokenexchange/pkg/util"
)

// OfferEvent reports the state of an order slot after an operation.
// Order is nil when the slot is now empty.
type OfferEvent struct {
	Asset  common.Address
	Seller common.Address
	Order  *orderbook.SellOrder
}

// Engine runs deposits, offers, settlements and withdrawals over one ledger
// and one order book.
//
// Concurrency: a single lock serializes every operation. It is released only
// around gateway calls, which are the sole points where another operation
// (including one re-entered from the gateway itself) can run. Before a push
// the local state is already debited; after a pull nothing is credited until
// the pull succeeded. A re-entrant call therefore never sees a stale balance.
type Engine struct {
	mu     sync.RWMutex
	ledger *ledger.Ledger
	book   *orderbook.Book
	seq    uint64 // last trade sequence

	store storage.Store
	gw    gateway.Gateway
	clock util.Clock
	log   *zap.SugaredLogger

	// Hooks, set before the engine is shared. Called outside the lock.
	OnTrade       func(orderbook.Trade)
	OnOfferChange func(OfferEvent)
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger (default: no-op)
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l.Sugar() }
}

// WithClock sets the clock used for order and trade timestamps
func WithClock(c util.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine and loads its state from store
func New(store storage.Store, gw gateway.Gateway, opts ...Option) (*Engine, error) {
	e := &Engine{
		ledger: ledger.New(),
		book:   orderbook.New(),
		store:  store,
		gw:     gw,
		clock:  util.RealClock{},
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}

	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	e.ledger.Restore(st.Balances, st.Credits)
	for _, o := range st.Orders {
		e.book.Place(o)
	}
	e.seq = st.LastSeq

	if err := e.checkLocked(); err != nil {
		return nil, fmt.Errorf("loaded state is inconsistent: %w", err)
	}

	e.log.Infow("exchange_loaded",
		"balances", len(st.Balances),
		"credits", len(st.Credits),
		"orders", len(st.Orders),
		"last_seq", st.LastSeq)
	return e, nil
}

// Escrow returns the gateway escrow address
func (e *Engine) Escrow() common.Address { return e.gw.Escrow() }

// Deposit pulls amount units of asset from the caller's external holding into
// escrow and credits them to the caller. Nothing is credited unless the pull succeeds.
func (e *Engine) Deposit(ctx context.Context, from, asset common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("deposit: %w: amount must be positive", ErrInvalidAmount)
	}

	if err := e.gw.Pull(ctx, asset, from, amount); err != nil {
		if errors.Is(err, gateway.ErrPending) {
			e.log.Errorw("deposit_pending", "account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", err)
			return fmt.Errorf("deposit: %w: %w", ErrTransferPending, err)
		}
		e.log.Warnw("deposit_rejected", "account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", err)
		return fmt.Errorf("deposit: %w: %w", ErrTransferRejected, err)
	}

	e.mu.Lock()
	tx := e.begin()
	err := tx.addTokens(from, asset, amount)
	var ev events
	if err == nil {
		ev, err = tx.commit()
	} else {
		tx.rollback()
	}
	e.mu.Unlock()

	if err != nil {
		// The units are in escrow but not on the ledger: send them back
		if perr := e.gw.Push(ctx, asset, from, amount); perr != nil {
			e.log.Errorw("deposit_compensation_failed",
				"account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", perr)
			return fmt.Errorf("deposit: %w (refund failed: %v)", err, perr)
		}
		return fmt.Errorf("deposit: %w", err)
	}

	e.publish(ev)
	e.log.Infow("deposit", "account", from.Hex(), "asset", asset.Hex(), "amount", amount)
	return nil
}

// Withdraw debits amount units of asset from the caller and pushes them out of
// escrow. Any order the caller has for asset is cancelled, whatever the amount.
// If the push fails the debit is restored, and so is the order when it still fits.
func (e *Engine) Withdraw(ctx context.Context, from, asset common.Address, amount uint64) error {
	e.mu.Lock()
	bal := e.ledger.TokenBalance(from, asset)
	if amount == 0 || amount > bal {
		e.mu.Unlock()
		return fmt.Errorf("withdraw: %w: have %d, requested %d", ErrInsufficientBalance, bal, amount)
	}

	tx := e.begin()
	if err := tx.subTokens(from, asset, amount); err != nil {
		tx.rollback()
		e.mu.Unlock()
		return fmt.Errorf("withdraw: %w", err)
	}
	cancelled, hadOrder := tx.cancelOrder(asset, from)
	ev, err := tx.commit()
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	e.publish(ev)

	if err := e.gw.Push(ctx, asset, from, amount); err != nil {
		if errors.Is(err, gateway.ErrPending) {
			e.log.Errorw("withdraw_pending", "account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", err)
			return fmt.Errorf("withdraw: %w: %w", ErrTransferPending, err)
		}
		e.log.Warnw("withdraw_rejected", "account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", err)
		if rerr := e.refundWithdrawal(from, asset, amount, cancelled, hadOrder); rerr != nil {
			return fmt.Errorf("withdraw: %w: %w (refund failed: %v)", ErrTransferRejected, err, rerr)
		}
		return fmt.Errorf("withdraw: %w: %w", ErrTransferRejected, err)
	}

	e.log.Infow("withdraw",
		"account", from.Hex(), "asset", asset.Hex(), "amount", amount, "order_cancelled", hadOrder)
	return nil
}

// refundWithdrawal restores a debit after a failed push. The cancelled order
// comes back only if its slot is still empty and it fits the restored balance,
// since re-entrant calls may have changed both while the push was in flight.
func (e *Engine) refundWithdrawal(from, asset common.Address, amount uint64, cancelled orderbook.SellOrder, hadOrder bool) error {
	e.mu.Lock()
	tx := e.begin()
	if err := tx.addTokens(from, asset, amount); err != nil {
		tx.rollback()
		e.mu.Unlock()
		e.log.Errorw("withdraw_refund_failed", "account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", err)
		return err
	}
	if hadOrder {
		_, occupied := e.book.Lookup(asset, from)
		if !occupied && cancelled.Remaining <= e.ledger.TokenBalance(from, asset) {
			tx.placeOrder(cancelled)
		}
	}
	ev, err := tx.commit()
	e.mu.Unlock()
	if err != nil {
		e.log.Errorw("withdraw_refund_failed", "account", from.Hex(), "asset", asset.Hex(), "amount", amount, "err", err)
		return err
	}
	e.publish(ev)
	return nil
}

// PlaceOffer posts a standing offer to sell amount units of asset at price each,
// replacing any offer the caller already has for asset
func (e *Engine) PlaceOffer(from, asset common.Address, amount, price uint64) (orderbook.SellOrder, error) {
	if amount == 0 {
		return orderbook.SellOrder{}, fmt.Errorf("place offer: %w: amount must be positive", ErrInvalidAmount)
	}
	if price == 0 {
		return orderbook.SellOrder{}, fmt.Errorf("place offer: %w: price must be positive", ErrInvalidPrice)
	}

	e.mu.Lock()
	bal := e.ledger.TokenBalance(from, asset)
	if amount > bal {
		e.mu.Unlock()
		return orderbook.SellOrder{}, fmt.Errorf("place offer: %w: have %d, offered %d", ErrInsufficientBalance, bal, amount)
	}

	o := orderbook.SellOrder{
		Asset:     asset,
		Seller:    from,
		Remaining: amount,
		Price:     price,
		PlacedAt:  e.clock.Now().UnixMilli(),
	}
	tx := e.begin()
	tx.placeOrder(o)
	ev, err := tx.commit()
	e.mu.Unlock()
	if err != nil {
		return orderbook.SellOrder{}, fmt.Errorf("place offer: %w", err)
	}

	e.publish(ev)
	e.log.Infow("offer_placed", "seller", from.Hex(), "asset", asset.Hex(), "amount", amount, "price", price)
	return o, nil
}

// CancelOffer removes the caller's offer for asset. Reports whether one existed.
func (e *Engine) CancelOffer(from, asset common.Address) (bool, error) {
	e.mu.Lock()
	tx := e.begin()
	_, ok := tx.cancelOrder(asset, from)
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	ev, err := tx.commit()
	e.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("cancel offer: %w", err)
	}

	e.publish(ev)
	e.log.Infow("offer_cancelled", "seller", from.Hex(), "asset", asset.Hex())
	return true, nil
}

// Settle buys amount units from seller's offer for asset. payment must cover
// amount × price; all of it, including any excess, is credited to the seller.
func (e *Engine) Settle(buyer, seller, asset common.Address, amount, payment uint64) (orderbook.Trade, error) {
	e.mu.Lock()

	o, ok := e.book.Lookup(asset, seller)
	if !ok {
		e.mu.Unlock()
		return orderbook.Trade{}, fmt.Errorf("settle: %w: seller %s, asset %s", ErrNoActiveOrder, seller.Hex(), asset.Hex())
	}
	if amount == 0 || amount > o.Remaining {
		e.mu.Unlock()
		return orderbook.Trade{}, fmt.Errorf("settle: %w: remaining %d, requested %d", ErrInsufficientOrderAmount, o.Remaining, amount)
	}
	cost, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), uint256.NewInt(o.Price))
	if overflow || cost.Gt(uint256.NewInt(payment)) {
		e.mu.Unlock()
		return orderbook.Trade{}, fmt.Errorf("settle: %w: cost %s, paid %d", ErrInsufficientPayment, cost.Dec(), payment)
	}

	tx := e.begin()
	tr, err := e.applySettlement(tx, buyer, o, amount, payment)
	if err != nil {
		tx.rollback()
		e.mu.Unlock()
		return orderbook.Trade{}, fmt.Errorf("settle: %w", err)
	}
	ev, err := tx.commit()
	e.mu.Unlock()
	if err != nil {
		return orderbook.Trade{}, fmt.Errorf("settle: %w", err)
	}

	e.publish(ev)
	e.log.Infow("settled",
		"seq", tr.Seq, "buyer", buyer.Hex(), "seller", seller.Hex(), "asset", asset.Hex(),
		"amount", amount, "price", o.Price, "payment", payment)
	return tr, nil
}

func (e *Engine) applySettlement(tx *txn, buyer common.Address, o orderbook.SellOrder, amount, payment uint64) (orderbook.Trade, error) {
	if err := tx.subTokens(o.Seller, o.Asset, amount); err != nil {
		// Unreachable while remaining ≤ balance holds
		return orderbook.Trade{}, err
	}
	if err := tx.addTokens(buyer, o.Asset, amount); err != nil {
		return orderbook.Trade{}, err
	}
	if err := tx.fillOrder(o.Asset, o.Seller, amount); err != nil {
		return orderbook.Trade{}, err
	}
	if err := tx.addCredit(o.Seller, payment); err != nil {
		return orderbook.Trade{}, err
	}
	return tx.recordTrade(orderbook.Trade{
		Asset:     o.Asset,
		Seller:    o.Seller,
		Buyer:     buyer,
		Amount:    amount,
		Price:     o.Price,
		Payment:   payment,
		Timestamp: e.clock.Now().UnixMilli(),
	}), nil
}

// CollectCredit pays out the caller's whole credit and resets it to zero.
// A zero credit pays zero and succeeds without touching the store or gateway.
// If the payout fails the credit is restored; if it is pending the credit
// stays taken and the amount in flight is returned with ErrTransferPending.
func (e *Engine) CollectCredit(ctx context.Context, from common.Address) (uint64, error) {
	e.mu.Lock()
	if e.ledger.Credit(from) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	tx := e.begin()
	amount := tx.takeCredit(from)
	ev, err := tx.commit()
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("collect credit: %w", err)
	}
	e.publish(ev)

	if err := e.gw.Pay(ctx, from, amount); err != nil {
		if errors.Is(err, gateway.ErrPending) {
			e.log.Errorw("credit_payout_pending", "account", from.Hex(), "amount", amount, "err", err)
			return amount, fmt.Errorf("collect credit: %w: %w", ErrTransferPending, err)
		}
		e.log.Warnw("credit_payout_rejected", "account", from.Hex(), "amount", amount, "err", err)

		e.mu.Lock()
		tx := e.begin()
		rerr := tx.addCredit(from, amount)
		if rerr == nil {
			_, rerr = tx.commit()
		} else {
			tx.rollback()
		}
		e.mu.Unlock()
		if rerr != nil {
			e.log.Errorw("credit_restore_failed", "account", from.Hex(), "amount", amount, "err", rerr)
			return 0, fmt.Errorf("collect credit: %w: %w (restore failed: %v)", ErrTransferRejected, err, rerr)
		}
		return 0, fmt.Errorf("collect credit: %w: %w", ErrTransferRejected, err)
	}

	e.log.Infow("credit_collected", "account", from.Hex(), "amount", amount)
	return amount, nil
}

// TokenBalanceOf returns the escrowed units of asset held for account
func (e *Engine) TokenBalanceOf(account, asset common.Address) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.TokenBalance(account, asset)
}

// CreditOf returns the payment credit owed to account
func (e *Engine) CreditOf(account common.Address) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Credit(account)
}

// Supply returns the total escrowed units of asset
func (e *Engine) Supply(asset common.Address) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Supply(asset)
}

// Lookup returns seller's active offer for asset
func (e *Engine) Lookup(asset, seller common.Address) (orderbook.SellOrder, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Lookup(asset, seller)
}

// Offers returns the active offers for asset, cheapest first
func (e *Engine) Offers(asset common.Address) []orderbook.SellOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Offers(asset)
}

// OfferCount returns the number of active offers across all assets
func (e *Engine) OfferCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Len()
}

// RecentTrades returns up to limit settlements for asset, newest first
func (e *Engine) RecentTrades(asset common.Address, limit int) ([]orderbook.Trade, error) {
	return e.store.RecentTrades(asset, limit)
}

// Snapshot returns a consistent copy of every balance, credit and order
func (e *Engine) Snapshot() storage.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return storage.State{
		Balances: e.ledger.Balances(),
		Credits:  e.ledger.Credits(),
		Orders:   e.book.All(),
		LastSeq:  e.seq,
	}
}

// CheckInvariants verifies that no order offers more than its seller holds
func (e *Engine) CheckInvariants() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkLocked()
}

var errOrderExceedsBalance = errors.New("order exceeds seller balance")

func (e *Engine) checkLocked() error {
	for _, o := range e.book.All() {
		if o.Remaining == 0 || o.Price == 0 {
			return fmt.Errorf("empty order at %s/%s", o.Asset.Hex(), o.Seller.Hex())
		}
		if bal := e.ledger.TokenBalance(o.Seller, o.Asset); o.Remaining > bal {
			return fmt.Errorf("%w: %s/%s remaining %d, balance %d",
				errOrderExceedsBalance, o.Asset.Hex(), o.Seller.Hex(), o.Remaining, bal)
		}
	}
	return nil
}

func (e *Engine) publish(ev events) {
	if e.OnOfferChange != nil {
		for _, o := range ev.offers {
			e.OnOfferChange(o)
		}
	}
	if e.OnTrade != nil {
		for _, t := range ev.trades {
			e.OnTrade(t)
		}
	}
}
