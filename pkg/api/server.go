package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/exchange"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/tokenexchange/pkg/crypto"
	"github.com/uhyunpark/tokenexchange/pkg/util"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Faucet mints external tokens on a development gateway
type Faucet interface {
	Mint(asset, holder common.Address, amount uint64)
	Approve(asset, owner, spender common.Address, amount uint64)
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *exchange.Engine
	router *mux.Router
	hub    *Hub
	faucet Faucet
	auth   *authenticator // nil: requests are trusted
	log    *zap.SugaredLogger
}

// Option configures a Server
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l.Sugar() }
}

// WithFaucet enables POST /api/v1/faucet
func WithFaucet(f Faucet) Option {
	return func(s *Server) { s.faucet = f }
}

// WithSignatures requires every operation request to carry an EIP-712
// signature from the acting account
func WithSignatures(domain crypto.EIP712Domain, clock util.Clock) Option {
	return func(s *Server) { s.auth = newAuthenticator(domain, clock) }
}

// NewServer creates a new API server. Its Hub must be running (see Hub.Run)
// for WebSocket clients to connect.
func NewServer(engine *exchange.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.log)

	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/credit", s.handleGetCredit).Methods("GET")

	// Market data
	api.HandleFunc("/assets/{asset}/offers", s.handleGetOffers).Methods("GET")
	api.HandleFunc("/assets/{asset}/offers/{seller}", s.handleGetOffer).Methods("GET")
	api.HandleFunc("/assets/{asset}/trades", s.handleGetTrades).Methods("GET")

	// Operations
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/offers", s.handlePlaceOffer).Methods("POST")
	api.HandleFunc("/offers/cancel", s.handleCancelOffer).Methods("POST")
	api.HandleFunc("/settlements", s.handleSettle).Methods("POST")
	api.HandleFunc("/credits/collect", s.handleCollectCredit).Methods("POST")
	if s.faucet != nil {
		api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling for origins
func (s *Server) Handler(origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// PublishTrade broadcasts a settlement. Wired to Engine.OnTrade.
func (s *Server) PublishTrade(t orderbook.Trade) {
	s.hub.BroadcastToChannel(tradesChannel(t.Asset), TradeUpdate{Type: "trade", Trade: tradeInfo(t)})
}

// PublishOffer broadcasts an order slot change. Wired to Engine.OnOfferChange.
func (s *Server) PublishOffer(ev exchange.OfferEvent) {
	s.hub.BroadcastToChannel(offersChannel(ev.Asset), offerUpdate(ev))
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusInfo{
		Escrow:    s.engine.Escrow().Hex(),
		StateHash: s.engine.StateHash().Hex(),
		Offers:    s.engine.OfferCount(),
		LastSeq:   s.engine.Snapshot().LastSeq,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}

	respondJSON(w, BalanceInfo{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Balance: s.engine.TokenBalanceOf(account, asset),
	})
}

func (s *Server) handleGetCredit(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	respondJSON(w, CreditInfo{Account: account.Hex(), Credit: s.engine.CreditOf(account)})
}

func (s *Server) handleGetOffers(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}

	orders := s.engine.Offers(asset)
	response := make([]OfferInfo, len(orders))
	for i, o := range orders {
		response[i] = offerInfo(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}
	seller, ok := pathAddress(w, r, "seller")
	if !ok {
		return
	}

	o, found := s.engine.Lookup(asset, seller)
	if !found {
		respondError(w, http.StatusNotFound, "no active order", "")
		return
	}
	respondJSON(w, offerInfo(o))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}

	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	trades, err := s.engine.RecentTrades(asset, limit)
	if err != nil {
		s.respondEngineError(w, "trades", err)
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = tradeInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) || !requireAddress(w, "account", req.Account) || !requireAddress(w, "asset", req.Asset) {
		return
	}

	if !s.authorize(w, crypto.Action{Action: crypto.ActionDeposit, Account: req.Account, Asset: req.Asset, Amount: req.Amount}, req.Auth) {
		return
	}

	if err := s.engine.Deposit(r.Context(), req.Account, req.Asset, req.Amount); err != nil {
		s.respondEngineError(w, "deposit", err)
		return
	}
	s.respondBalance(w, req.Account, req.Asset)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) || !requireAddress(w, "account", req.Account) || !requireAddress(w, "asset", req.Asset) {
		return
	}

	if !s.authorize(w, crypto.Action{Action: crypto.ActionWithdraw, Account: req.Account, Asset: req.Asset, Amount: req.Amount}, req.Auth) {
		return
	}

	if err := s.engine.Withdraw(r.Context(), req.Account, req.Asset, req.Amount); err != nil {
		s.respondEngineError(w, "withdraw", err)
		return
	}
	s.respondBalance(w, req.Account, req.Asset)
}

func (s *Server) handlePlaceOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if !decode(w, r, &req) || !requireAddress(w, "account", req.Account) || !requireAddress(w, "asset", req.Asset) {
		return
	}

	if !s.authorize(w, crypto.Action{
		Action:  crypto.ActionPlaceOffer,
		Account: req.Account,
		Asset:   req.Asset,
		Amount:  req.Amount,
		Price:   req.Price,
	}, req.Auth) {
		return
	}

	o, err := s.engine.PlaceOffer(req.Account, req.Asset, req.Amount, req.Price)
	if err != nil {
		s.respondEngineError(w, "place_offer", err)
		return
	}
	respondJSON(w, offerInfo(o))
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) || !requireAddress(w, "account", req.Account) || !requireAddress(w, "asset", req.Asset) {
		return
	}

	if !s.authorize(w, crypto.Action{Action: crypto.ActionCancelOffer, Account: req.Account, Asset: req.Asset}, req.Auth) {
		return
	}

	removed, err := s.engine.CancelOffer(req.Account, req.Asset)
	if err != nil {
		s.respondEngineError(w, "cancel_offer", err)
		return
	}
	respondJSON(w, CancelResponse{Removed: removed})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) ||
		!requireAddress(w, "buyer", req.Buyer) ||
		!requireAddress(w, "seller", req.Seller) ||
		!requireAddress(w, "asset", req.Asset) {
		return
	}

	if !s.authorize(w, crypto.Action{
		Action:  crypto.ActionSettle,
		Account: req.Buyer,
		Asset:   req.Asset,
		Seller:  req.Seller,
		Amount:  req.Amount,
		Payment: req.Payment,
	}, req.Auth) {
		return
	}

	t, err := s.engine.Settle(req.Buyer, req.Seller, req.Asset, req.Amount, req.Payment)
	if err != nil {
		s.respondEngineError(w, "settle", err)
		return
	}
	respondJSON(w, tradeInfo(t))
}

func (s *Server) handleCollectCredit(w http.ResponseWriter, r *http.Request) {
	var req CollectRequest
	if !decode(w, r, &req) || !requireAddress(w, "account", req.Account) {
		return
	}

	if !s.authorize(w, crypto.Action{Action: crypto.ActionCollectCredit, Account: req.Account}, req.Auth) {
		return
	}

	paid, err := s.engine.CollectCredit(r.Context(), req.Account)
	if err != nil {
		s.respondEngineError(w, "collect_credit", err)
		return
	}
	respondJSON(w, CollectResponse{Account: req.Account.Hex(), Paid: paid})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decode(w, r, &req) || !requireAddress(w, "account", req.Account) || !requireAddress(w, "asset", req.Asset) {
		return
	}
	if req.Amount == 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", "amount must be positive")
		return
	}

	s.faucet.Mint(req.Asset, req.Account, req.Amount)
	s.faucet.Approve(req.Asset, req.Account, s.engine.Escrow(), req.Amount)
	s.log.Infow("faucet_drip", "account", req.Account.Hex(), "asset", req.Asset.Hex(), "amount", req.Amount)

	respondJSON(w, map[string]interface{}{
		"account": req.Account.Hex(),
		"asset":   req.Asset.Hex(),
		"minted":  req.Amount,
	})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) respondBalance(w http.ResponseWriter, account, asset common.Address) {
	respondJSON(w, BalanceInfo{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Balance: s.engine.TokenBalanceOf(account, asset),
	})
}

// respondEngineError maps engine errors onto HTTP statuses
func (s *Server) respondEngineError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "op", op, "status", status, "err", err)
	} else {
		s.log.Debugw("request_rejected", "op", op, "status", status, "err", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrInvalidAmount), errors.Is(err, exchange.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrNoActiveOrder):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrInsufficientOrderAmount),
		errors.Is(err, exchange.ErrInsufficientPayment),
		errors.Is(err, exchange.ErrOverflow):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrTransferRejected):
		return http.StatusBadGateway
	case errors.Is(err, exchange.ErrTransferPending):
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := mux.Vars(r)[name]
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid address", name+": "+v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func requireAddress(w http.ResponseWriter, field string, a common.Address) bool {
	if a == (common.Address{}) {
		respondError(w, http.StatusBadRequest, "invalid address", "missing "+field)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
