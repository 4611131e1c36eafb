package crypto

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testEscrow = common.HexToAddress("0xE5C0000000000000000000000000000000000000")
	testAsset  = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

func TestSignActionRecoversSigner(t *testing.T) {
	signer, _ := GenerateKey()
	es := NewEIP712Signer(DefaultDomain(1337, testEscrow))

	action := &Action{
		Action:   ActionPlaceOffer,
		Account:  signer.Address(),
		Asset:    testAsset,
		Amount:   100,
		Price:    2,
		Nonce:    1,
		Deadline: 1_700_000_000,
	}
	sig, err := es.SignAction(signer, action)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}

	got, err := es.RecoverActionSigner(action, sig)
	if err != nil {
		t.Fatalf("RecoverActionSigner: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}
}

func TestActionHashBindsEveryField(t *testing.T) {
	es := NewEIP712Signer(DefaultDomain(1337, testEscrow))
	base := Action{
		Action:   ActionSettle,
		Account:  common.HexToAddress("0xBB00000000000000000000000000000000000000"),
		Asset:    testAsset,
		Seller:   common.HexToAddress("0xAA00000000000000000000000000000000000000"),
		Amount:   10,
		Payment:  20,
		Nonce:    7,
		Deadline: 1_700_000_000,
	}
	baseHash, err := es.HashAction(&base)
	if err != nil {
		t.Fatalf("HashAction: %v", err)
	}

	mutations := map[string]func(a *Action){
		"action":   func(a *Action) { a.Action = ActionDeposit },
		"account":  func(a *Action) { a.Account = common.HexToAddress("0x01") },
		"asset":    func(a *Action) { a.Asset = common.HexToAddress("0x02") },
		"seller":   func(a *Action) { a.Seller = common.HexToAddress("0x03") },
		"amount":   func(a *Action) { a.Amount++ },
		"price":    func(a *Action) { a.Price++ },
		"payment":  func(a *Action) { a.Payment++ },
		"nonce":    func(a *Action) { a.Nonce++ },
		"deadline": func(a *Action) { a.Deadline++ },
	}
	for name, mutate := range mutations {
		a := base
		mutate(&a)
		h, err := es.HashAction(&a)
		if err != nil {
			t.Fatalf("%s: HashAction: %v", name, err)
		}
		if string(h) == string(baseHash) {
			t.Errorf("changing %s did not change the digest", name)
		}
	}

	// A different exchange or chain gives a different digest
	for name, d := range map[string]EIP712Domain{
		"chain":  DefaultDomain(1, testEscrow),
		"escrow": DefaultDomain(1337, common.HexToAddress("0x04")),
	} {
		h, err := NewEIP712Signer(d).HashAction(&base)
		if err != nil {
			t.Fatalf("%s: HashAction: %v", name, err)
		}
		if string(h) == string(baseHash) {
			t.Errorf("changing domain %s did not change the digest", name)
		}
	}
}

func TestHashActionRejectsNegativeDeadline(t *testing.T) {
	es := NewEIP712Signer(DefaultDomain(1337, testEscrow))
	if _, err := es.HashAction(&Action{Action: ActionDeposit, Deadline: -1}); err == nil {
		t.Error("expected error for negative deadline")
	}
}

func TestActionToJSON(t *testing.T) {
	es := NewEIP712Signer(DefaultDomain(1337, testEscrow))
	out, err := es.ActionToJSON(&Action{Action: ActionWithdraw, Asset: testAsset, Amount: 5})
	if err != nil {
		t.Fatalf("ActionToJSON: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if doc["primaryType"] != "Action" {
		t.Errorf("primaryType = %v", doc["primaryType"])
	}
	msg, ok := doc["message"].(map[string]interface{})
	if !ok || msg["action"] != ActionWithdraw || msg["amount"] != "5" {
		t.Errorf("unexpected message %v", doc["message"])
	}
}
