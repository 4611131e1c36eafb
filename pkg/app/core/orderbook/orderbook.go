package orderbook

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoOrder  = errors.New("no active order")
	ErrOverfill = errors.New("fill exceeds remaining amount")
)

// Key identifies the single order slot of a seller for an asset
type Key struct {
	Asset  common.Address
	Seller common.Address
}

// SellOrder is a standing offer to sell up to Remaining units at Price each.
// Price is in the smallest payment unit per token unit.
type SellOrder struct {
	Asset     common.Address `json:"asset"`
	Seller    common.Address `json:"seller"`
	Remaining uint64         `json:"remaining"`
	Price     uint64         `json:"price"`
	PlacedAt  int64          `json:"placedAt"` // Unix milliseconds
}

// Key returns the slot the order occupies
func (o SellOrder) Key() Key {
	return Key{Asset: o.Asset, Seller: o.Seller}
}

// Trade records one settlement against a sell order
type Trade struct {
	Seq       uint64         `json:"seq"` // Monotonic settlement sequence
	Asset     common.Address `json:"asset"`
	Seller    common.Address `json:"seller"`
	Buyer     common.Address `json:"buyer"`
	Amount    uint64         `json:"amount"`
	Price     uint64         `json:"price"`   // Unit price of the order at settlement
	Payment   uint64         `json:"payment"` // Full payment credited to the seller
	Timestamp int64          `json:"timestamp"`
}

// Book holds at most one active sell order per (asset, seller).
// Not safe for concurrent use: the exchange engine serializes all access.
type Book struct {
	orders map[Key]SellOrder
}

// New creates an empty book
func New() *Book {
	return &Book{orders: make(map[Key]SellOrder)}
}

// Place stores o in its slot, replacing any existing order.
// Returns the replaced order, if there was one.
func (b *Book) Place(o SellOrder) (SellOrder, bool) {
	prev, ok := b.orders[o.Key()]
	b.orders[o.Key()] = o
	return prev, ok
}

// Cancel removes the order at (asset, seller). Absent orders are not an error.
func (b *Book) Cancel(asset, seller common.Address) (SellOrder, bool) {
	key := Key{Asset: asset, Seller: seller}
	prev, ok := b.orders[key]
	if ok {
		delete(b.orders, key)
	}
	return prev, ok
}

// Lookup returns the active order at (asset, seller)
func (b *Book) Lookup(asset, seller common.Address) (SellOrder, bool) {
	o, ok := b.orders[Key{Asset: asset, Seller: seller}]
	return o, ok
}

// Fill reduces the order at (asset, seller) by qty, removing it when nothing remains.
// Returns the order as it was before the fill.
func (b *Book) Fill(asset, seller common.Address, qty uint64) (SellOrder, error) {
	key := Key{Asset: asset, Seller: seller}
	o, ok := b.orders[key]
	if !ok {
		return SellOrder{}, ErrNoOrder
	}
	if qty == 0 || qty > o.Remaining {
		return o, fmt.Errorf("%w: remaining %d, fill %d", ErrOverfill, o.Remaining, qty)
	}

	prev := o
	o.Remaining -= qty
	if o.Remaining == 0 {
		delete(b.orders, key)
	} else {
		b.orders[key] = o
	}
	return prev, nil
}

// Offers returns the active orders for asset, cheapest first (ties by seller)
func (b *Book) Offers(asset common.Address) []SellOrder {
	out := []SellOrder{}
	for k, o := range b.orders {
		if k.Asset == asset {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out
}

// All returns every active order sorted by asset, price, then seller
func (b *Book) All() []SellOrder {
	out := make([]SellOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Asset[:], out[j].Asset[:]); c != 0 {
			return c < 0
		}
		return less(out[i], out[j])
	})
	return out
}

// Len returns the number of active orders
func (b *Book) Len() int { return len(b.orders) }

func sortOrders(os []SellOrder) {
	sort.Slice(os, func(i, j int) bool { return less(os[i], os[j]) })
}

func less(a, b SellOrder) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return bytes.Compare(a.Seller[:], b.Seller[:]) < 0
}
