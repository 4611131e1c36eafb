package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Action kinds. Each names the exchange operation a signature authorizes.
const (
	ActionDeposit       = "deposit"
	ActionWithdraw      = "withdraw"
	ActionPlaceOffer    = "placeOffer"
	ActionCancelOffer   = "cancelOffer"
	ActionSettle        = "settle"
	ActionCollectCredit = "collectCredit"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// VerifyingContract is the escrow address, so a signature is only valid
// for one exchange on one chain.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the exchange domain for chainID and escrow
func DefaultDomain(chainID int64, escrow common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "TokenExchange",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: escrow,
	}
}

// Action is the typed data a caller signs to authorize one request.
// Fields an action does not use are zero.
type Action struct {
	Action   string
	Account  common.Address // The caller: depositor, seller, or buyer for settle
	Asset    common.Address
	Seller   common.Address // settle only
	Amount   uint64
	Price    uint64 // placeOffer only
	Payment  uint64 // settle only
	Nonce    uint64 // Must increase per account
	Deadline int64  // Unix seconds
}

var actionTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Action": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "account", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "seller", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "payment", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// EIP712Signer hashes, signs and verifies actions within one domain
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) typedData(a *Action) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       actionTypes,
		PrimaryType: "Action",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":   a.Action,
			"account":  a.Account.Hex(),
			"asset":    a.Asset.Hex(),
			"seller":   a.Seller.Hex(),
			"amount":   fmt.Sprintf("%d", a.Amount),
			"price":    fmt.Sprintf("%d", a.Price),
			"payment":  fmt.Sprintf("%d", a.Payment),
			"nonce":    fmt.Sprintf("%d", a.Nonce),
			"deadline": fmt.Sprintf("%d", a.Deadline),
		},
	}
}

// HashAction returns the EIP-712 digest of an action
func (e *EIP712Signer) HashAction(a *Action) ([]byte, error) {
	if a.Deadline < 0 {
		return nil, fmt.Errorf("negative deadline %d", a.Deadline)
	}
	typedData := e.typedData(a)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignAction signs an action and returns the 65-byte signature
func (e *EIP712Signer) SignAction(signer *Signer, a *Action) ([]byte, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return nil, fmt.Errorf("failed to hash action: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverActionSigner recovers the address that signed an action
func (e *EIP712Signer) RecoverActionSigner(a *Action, signature []byte) (common.Address, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash action: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// ActionToJSON renders an action in the eth_signTypedData_v4 format wallets sign
func (e *EIP712Signer) ActionToJSON(a *Action) (string, error) {
	jsonBytes, err := json.MarshalIndent(e.typedData(a), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
