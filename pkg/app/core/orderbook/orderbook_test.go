package orderbook

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	tokA  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokB  = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func TestPlaceOverwrites(t *testing.T) {
	b := New()

	if _, replaced := b.Place(SellOrder{Asset: tokA, Seller: alice, Remaining: 100, Price: 1}); replaced {
		t.Fatal("first place reported a replacement")
	}
	prev, replaced := b.Place(SellOrder{Asset: tokA, Seller: alice, Remaining: 50, Price: 3})
	if !replaced || prev.Price != 1 {
		t.Fatalf("replace = %v prev=%+v", replaced, prev)
	}

	o, ok := b.Lookup(tokA, alice)
	if !ok || o.Remaining != 50 || o.Price != 3 {
		t.Errorf("lookup = %+v, %v; want remaining=50 price=3", o, ok)
	}
	if b.Len() != 1 {
		t.Errorf("len = %d, want 1", b.Len())
	}
}

func TestCancel(t *testing.T) {
	b := New()
	b.Place(SellOrder{Asset: tokA, Seller: alice, Remaining: 10, Price: 1})

	if _, ok := b.Cancel(tokA, bob); ok {
		t.Error("cancel of absent order reported removal")
	}
	if _, ok := b.Cancel(tokA, alice); !ok {
		t.Error("cancel of active order reported nothing removed")
	}
	if _, ok := b.Lookup(tokA, alice); ok {
		t.Error("order still present after cancel")
	}
}

func TestFill(t *testing.T) {
	tests := []struct {
		name      string
		qty       uint64
		wantErr   error
		remaining uint64
		removed   bool
	}{
		{name: "partial", qty: 40, remaining: 60},
		{name: "full removes order", qty: 100, removed: true},
		{name: "zero quantity", qty: 0, wantErr: ErrOverfill, remaining: 100},
		{name: "overfill", qty: 101, wantErr: ErrOverfill, remaining: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			b.Place(SellOrder{Asset: tokA, Seller: alice, Remaining: 100, Price: 2})

			prev, err := b.Fill(tokA, alice, tt.qty)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("fill: %v", err)
			}
			if prev.Remaining != 100 {
				t.Errorf("prev remaining = %d, want 100", prev.Remaining)
			}

			o, ok := b.Lookup(tokA, alice)
			if tt.removed {
				if ok {
					t.Errorf("order not removed: %+v", o)
				}
				return
			}
			if !ok || o.Remaining != tt.remaining {
				t.Errorf("remaining = %d (present=%v), want %d", o.Remaining, ok, tt.remaining)
			}
		})
	}

	if _, err := New().Fill(tokA, alice, 1); !errors.Is(err, ErrNoOrder) {
		t.Errorf("fill on empty book: %v", err)
	}
}

func TestOffersSorted(t *testing.T) {
	b := New()
	b.Place(SellOrder{Asset: tokA, Seller: bob, Remaining: 1, Price: 5})
	b.Place(SellOrder{Asset: tokA, Seller: alice, Remaining: 1, Price: 5})
	b.Place(SellOrder{Asset: tokA, Seller: bob, Remaining: 1, Price: 2}) // replaces bob@5
	b.Place(SellOrder{Asset: tokB, Seller: alice, Remaining: 1, Price: 1})

	offers := b.Offers(tokA)
	if len(offers) != 2 {
		t.Fatalf("got %d offers, want 2", len(offers))
	}
	if offers[0].Seller != bob || offers[1].Seller != alice {
		t.Errorf("offers not sorted by price: %+v", offers)
	}

	all := b.All()
	if len(all) != 3 || all[0].Asset != tokA || all[2].Asset != tokB {
		t.Errorf("all not sorted by asset: %+v", all)
	}
}

func TestOffersEmptyIsNotNil(t *testing.T) {
	b := New()
	b.Place(SellOrder{Asset: tokB, Seller: alice, Remaining: 1, Price: 1})

	offers := b.Offers(tokA)
	if offers == nil || len(offers) != 0 {
		t.Errorf("offers = %#v, want empty non-nil slice", offers)
	}
}
