package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	tokA  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokB  = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func TestAddSubTokens(t *testing.T) {
	l := New()

	if err := l.AddTokens(alice, tokA, 100); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := l.TokenBalance(alice, tokA); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
	if got := l.TokenBalance(alice, tokB); got != 0 {
		t.Errorf("other asset balance = %d, want 0", got)
	}

	if err := l.SubTokens(alice, tokA, 101); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := l.TokenBalance(alice, tokA); got != 100 {
		t.Errorf("failed debit changed balance to %d", got)
	}

	if err := l.SubTokens(alice, tokA, 100); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if got := l.TokenBalance(alice, tokA); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
	if n := len(l.Balances()); n != 0 {
		t.Errorf("zero balance kept in listing: %d entries", n)
	}
}

func TestSupplyTracksBalances(t *testing.T) {
	l := New()
	l.AddTokens(alice, tokA, 70)
	l.AddTokens(bob, tokA, 30)
	l.AddTokens(bob, tokB, 5)

	if got := l.Supply(tokA); got != 100 {
		t.Errorf("supply A = %d, want 100", got)
	}
	l.SubTokens(alice, tokA, 20)
	l.SetTokens(bob, tokA, 10)
	if got := l.Supply(tokA); got != 60 {
		t.Errorf("supply A = %d, want 60", got)
	}
	if got := l.Supply(tokB); got != 5 {
		t.Errorf("supply B = %d, want 5", got)
	}
}

func TestAddTokensOverflow(t *testing.T) {
	l := New()
	l.AddTokens(alice, tokA, math.MaxUint64)

	if err := l.AddTokens(bob, tokA, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected supply overflow, got %v", err)
	}
	if got := l.TokenBalance(bob, tokA); got != 0 {
		t.Errorf("overflowing credit applied: %d", got)
	}
}

func TestCredit(t *testing.T) {
	l := New()

	if got := l.TakeCredit(alice); got != 0 {
		t.Errorf("take on empty = %d, want 0", got)
	}
	l.AddCredit(alice, 60)
	l.AddCredit(alice, 40)
	if got := l.Credit(alice); got != 100 {
		t.Errorf("credit = %d, want 100", got)
	}
	if got := l.TakeCredit(alice); got != 100 {
		t.Errorf("take = %d, want 100", got)
	}
	if got := l.TakeCredit(alice); got != 0 {
		t.Errorf("second take = %d, want 0", got)
	}

	l.AddCredit(bob, math.MaxUint64)
	if err := l.AddCredit(bob, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected credit overflow, got %v", err)
	}
}

func TestListingsSortedAndRestore(t *testing.T) {
	l := New()
	l.AddTokens(bob, tokB, 2)
	l.AddTokens(bob, tokA, 1)
	l.AddTokens(alice, tokA, 3)
	l.AddCredit(bob, 9)
	l.AddCredit(alice, 8)

	bals := l.Balances()
	want := []BalanceEntry{
		{Account: alice, Asset: tokA, Amount: 3},
		{Account: bob, Asset: tokA, Amount: 1},
		{Account: bob, Asset: tokB, Amount: 2},
	}
	if len(bals) != len(want) {
		t.Fatalf("got %d balances, want %d", len(bals), len(want))
	}
	for i := range want {
		if bals[i] != want[i] {
			t.Errorf("balances[%d] = %+v, want %+v", i, bals[i], want[i])
		}
	}
	creds := l.Credits()
	if creds[0].Account != alice || creds[1].Account != bob {
		t.Errorf("credits not sorted: %+v", creds)
	}

	r := New()
	r.Restore(bals, creds)
	if r.Supply(tokA) != 4 || r.Credit(bob) != 9 || r.TokenBalance(bob, tokB) != 2 {
		t.Errorf("restore mismatch: supply=%d credit=%d", r.Supply(tokA), r.Credit(bob))
	}
}
