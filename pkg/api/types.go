package api

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/exchange"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
)

// API types for REST endpoints and WebSocket messages.
// Addresses are 0x-prefixed hex; amounts and prices are integer units.

// ==============================
// REST Response Types
// ==============================

// StatusInfo summarizes the exchange state
type StatusInfo struct {
	Escrow    string `json:"escrow"`
	StateHash string `json:"stateHash"` // Keccak-256 over balances, credits and offers
	Offers    int    `json:"offers"`    // Active offers across all assets
	LastSeq   uint64 `json:"lastSeq"`   // Sequence number of the latest trade
}

type BalanceInfo struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance"`
}

type CreditInfo struct {
	Account string `json:"account"`
	Credit  uint64 `json:"credit"`
}

// OfferInfo is a standing sell offer
type OfferInfo struct {
	Asset     string `json:"asset"`
	Seller    string `json:"seller"`
	Remaining uint64 `json:"remaining"`
	Price     uint64 `json:"price"`    // Payment units per token unit
	PlacedAt  int64  `json:"placedAt"` // Unix milliseconds
}

// TradeInfo is a completed settlement
type TradeInfo struct {
	Seq       uint64 `json:"seq"`
	Asset     string `json:"asset"`
	Seller    string `json:"seller"`
	Buyer     string `json:"buyer"`
	Amount    uint64 `json:"amount"`
	Price     uint64 `json:"price"`
	Payment   uint64 `json:"payment"`   // Full payment credited to the seller
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

type CancelResponse struct {
	Removed bool `json:"removed"`
}

type CollectResponse struct {
	Account string `json:"account"`
	Paid    uint64 `json:"paid"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func offerInfo(o orderbook.SellOrder) OfferInfo {
	return OfferInfo{
		Asset:     o.Asset.Hex(),
		Seller:    o.Seller.Hex(),
		Remaining: o.Remaining,
		Price:     o.Price,
		PlacedAt:  o.PlacedAt,
	}
}

func tradeInfo(t orderbook.Trade) TradeInfo {
	return TradeInfo{
		Seq:       t.Seq,
		Asset:     t.Asset.Hex(),
		Seller:    t.Seller.Hex(),
		Buyer:     t.Buyer.Hex(),
		Amount:    t.Amount,
		Price:     t.Price,
		Payment:   t.Payment,
		Timestamp: t.Timestamp,
	}
}

// ==============================
// REST Request Types
// ==============================

// Auth carries an EIP-712 signature over the request. The server only
// checks it when started with signature checks enabled.
type Auth struct {
	Nonce     uint64 `json:"nonce,omitempty"`     // Must exceed the account's last nonce
	Deadline  int64  `json:"deadline,omitempty"`  // Unix seconds
	Signature string `json:"signature,omitempty"` // 0x-prefixed, 65 bytes
}

// TransferRequest is the payload for POST /api/v1/deposits and /withdrawals
type TransferRequest struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  uint64         `json:"amount"`
	Auth
}

// OfferRequest is the payload for POST /api/v1/offers
type OfferRequest struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  uint64         `json:"amount"`
	Price   uint64         `json:"price"`
	Auth
}

// CancelRequest is the payload for POST /api/v1/offers/cancel
type CancelRequest struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Auth
}

// SettleRequest is the payload for POST /api/v1/settlements
type SettleRequest struct {
	Buyer   common.Address `json:"buyer"`
	Seller  common.Address `json:"seller"`
	Asset   common.Address `json:"asset"`
	Amount  uint64         `json:"amount"`
	Payment uint64         `json:"payment"`
	Auth
}

// CollectRequest is the payload for POST /api/v1/credits/collect
type CollectRequest struct {
	Account common.Address `json:"account"`
	Auth
}

// FaucetRequest is the payload for POST /api/v1/faucet (memory gateway only).
// It mints external tokens to account and approves the escrow to pull them.
type FaucetRequest struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  uint64         `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:0x...", "offers:0x..."]
}

// WSAck confirms a subscription change
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`
}

// TradeUpdate is broadcast on "trades:{asset}" after every settlement
type TradeUpdate struct {
	Type  string    `json:"type"` // "trade"
	Trade TradeInfo `json:"trade"`
}

// OfferUpdate is broadcast on "offers:{asset}" when an order slot changes.
// Offer is null when the slot is now empty.
type OfferUpdate struct {
	Type   string     `json:"type"` // "offer"
	Asset  string     `json:"asset"`
	Seller string     `json:"seller"`
	Offer  *OfferInfo `json:"offer"`
}

func offerUpdate(ev exchange.OfferEvent) OfferUpdate {
	u := OfferUpdate{Type: "offer", Asset: ev.Asset.Hex(), Seller: ev.Seller.Hex()}
	if ev.Order != nil {
		info := offerInfo(*ev.Order)
		u.Offer = &info
	}
	return u
}
