package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenexchange/pkg/app/core/exchange"
	"github.com/uhyunpark/tokenexchange/pkg/gateway"
	"github.com/uhyunpark/tokenexchange/pkg/storage"
)

var (
	escrow = common.HexToAddress("0xE5C0000000000000000000000000000000000000")
	token  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	seller = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	buyer  = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

type testServer struct {
	*httptest.Server
	api *Server
	gw  *gateway.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := gateway.NewMemory(escrow)
	e, err := exchange.New(storage.NewMemoryStore(), gw)
	require.NoError(t, err)

	s := NewServer(e, WithFaucet(gw))
	e.OnTrade = s.PublishTrade
	e.OnOfferChange = s.PublishOffer

	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Handler([]string{"*"}))
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{Server: ts, api: s, gw: gw}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// fund mints tokens through the faucet and deposits them
func (ts *testServer) fund(t *testing.T, account common.Address, amount uint64) {
	t.Helper()
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/faucet",
		FaucetRequest{Account: account, Asset: token, Amount: amount}, nil))
	var bal BalanceInfo
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/deposits",
		TransferRequest{Account: account, Asset: token, Amount: amount}, &bal))
	require.Equal(t, amount, bal.Balance)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, ts.get(t, "/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestTradeLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, seller, 100)

	var offer OfferInfo
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/offers",
		OfferRequest{Account: seller, Asset: token, Amount: 100, Price: 2}, &offer))
	require.Equal(t, uint64(100), offer.Remaining)

	var offers []OfferInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/assets/"+token.Hex()+"/offers", &offers))
	require.Len(t, offers, 1)
	require.Equal(t, seller.Hex(), offers[0].Seller)

	var trade TradeInfo
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/settlements",
		SettleRequest{Buyer: buyer, Seller: seller, Asset: token, Amount: 40, Payment: 80}, &trade))
	require.Equal(t, uint64(1), trade.Seq)
	require.Equal(t, uint64(80), trade.Payment)

	var bal BalanceInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/accounts/"+buyer.Hex()+"/balances/"+token.Hex(), &bal))
	require.Equal(t, uint64(40), bal.Balance)

	var credit CreditInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/accounts/"+seller.Hex()+"/credit", &credit))
	require.Equal(t, uint64(80), credit.Credit)

	var one OfferInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/assets/"+token.Hex()+"/offers/"+seller.Hex(), &one))
	require.Equal(t, uint64(60), one.Remaining)

	var trades []TradeInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/assets/"+token.Hex()+"/trades?limit=5", &trades))
	require.Len(t, trades, 1)

	var collected CollectResponse
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/credits/collect", CollectRequest{Account: seller}, &collected))
	require.Equal(t, uint64(80), collected.Paid)
	require.Equal(t, uint64(80), ts.gw.Paid(seller))

	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/withdrawals",
		TransferRequest{Account: seller, Asset: token, Amount: 60}, &bal))
	require.Zero(t, bal.Balance)
	require.Equal(t, http.StatusNotFound, ts.get(t, "/api/v1/assets/"+token.Hex()+"/offers/"+seller.Hex(), nil))

	var status StatusInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/status", &status))
	require.Equal(t, escrow.Hex(), status.Escrow)
	require.Zero(t, status.Offers)
	require.Equal(t, uint64(1), status.LastSeq)
	require.Len(t, status.StateHash, 66)
}

func TestCancelOffer(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, seller, 10)
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/offers",
		OfferRequest{Account: seller, Asset: token, Amount: 10, Price: 1}, nil))

	var resp CancelResponse
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/offers/cancel", CancelRequest{Account: seller, Asset: token}, &resp))
	require.True(t, resp.Removed)
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/offers/cancel", CancelRequest{Account: seller, Asset: token}, &resp))
	require.False(t, resp.Removed)
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, seller, 100)
	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/offers",
		OfferRequest{Account: seller, Asset: token, Amount: 100, Price: 2}, nil))

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"deposit without approval", "/api/v1/deposits",
			TransferRequest{Account: buyer, Asset: token, Amount: 5}, http.StatusBadGateway},
		{"zero deposit", "/api/v1/deposits",
			TransferRequest{Account: buyer, Asset: token}, http.StatusBadRequest},
		{"missing account", "/api/v1/deposits",
			TransferRequest{Asset: token, Amount: 5}, http.StatusBadRequest},
		{"withdraw beyond balance", "/api/v1/withdrawals",
			TransferRequest{Account: seller, Asset: token, Amount: 101}, http.StatusConflict},
		{"offer beyond balance", "/api/v1/offers",
			OfferRequest{Account: buyer, Asset: token, Amount: 1, Price: 1}, http.StatusConflict},
		{"zero price", "/api/v1/offers",
			OfferRequest{Account: seller, Asset: token, Amount: 1}, http.StatusBadRequest},
		{"no order", "/api/v1/settlements",
			SettleRequest{Buyer: seller, Seller: buyer, Asset: token, Amount: 1, Payment: 1}, http.StatusNotFound},
		{"underpayment", "/api/v1/settlements",
			SettleRequest{Buyer: buyer, Seller: seller, Asset: token, Amount: 10, Payment: 19}, http.StatusConflict},
		{"overfill", "/api/v1/settlements",
			SettleRequest{Buyer: buyer, Seller: seller, Asset: token, Amount: 101, Payment: 1000}, http.StatusConflict},
		{"unknown field", "/api/v1/credits/collect",
			map[string]string{"account": seller.Hex(), "extra": "x"}, http.StatusBadRequest},
		{"bad address", "/api/v1/credits/collect",
			map[string]string{"account": "0x123"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			require.Equal(t, tt.status, ts.post(t, tt.path, tt.body, &errResp))
			require.NotEmpty(t, errResp.Error)
		})
	}

	require.Equal(t, http.StatusBadRequest, ts.get(t, "/api/v1/accounts/nope/credit", nil))
	require.Equal(t, http.StatusBadRequest, ts.get(t, "/api/v1/assets/"+token.Hex()+"/trades?limit=-1", nil))
}

func TestFaucetDisabledWithoutGateway(t *testing.T) {
	e, err := exchange.New(storage.NewMemoryStore(), gateway.NewMemory(escrow))
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(e).Handler([]string{"*"}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/faucet", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketBroadcasts(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, seller, 100)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Lower-case addresses subscribe to the same channels as checksummed ones
	lower := strings.ToLower(token.Hex())
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{
		Op:       "subscribe",
		Channels: []string{"trades:" + lower, "offers:" + lower},
	}))
	var ack WSAck
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack.Type)
	require.Equal(t, []string{"trades:" + token.Hex(), "offers:" + token.Hex()}, ack.Channels)

	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/offers",
		OfferRequest{Account: seller, Asset: token, Amount: 100, Price: 1}, nil))
	var placed OfferUpdate
	require.NoError(t, conn.ReadJSON(&placed))
	require.Equal(t, "offer", placed.Type)
	require.NotNil(t, placed.Offer)
	require.Equal(t, uint64(100), placed.Offer.Remaining)

	require.Equal(t, http.StatusOK, ts.post(t, "/api/v1/settlements",
		SettleRequest{Buyer: buyer, Seller: seller, Asset: token, Amount: 100, Payment: 100}, nil))

	// The engine publishes offer changes before trades
	var filled OfferUpdate
	require.NoError(t, conn.ReadJSON(&filled))
	require.Equal(t, "offer", filled.Type)
	require.Nil(t, filled.Offer)

	var traded TradeUpdate
	require.NoError(t, conn.ReadJSON(&traded))
	require.Equal(t, "trade", traded.Type)
	require.Equal(t, buyer.Hex(), traded.Trade.Buyer)
	require.Equal(t, uint64(100), traded.Trade.Amount)
}

func TestPendingWithdrawalIsAccepted(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, seller, 100)
	ts.gw.Hook = func(_ context.Context, op gateway.Op, _, _ common.Address, _ uint64) error {
		if op == gateway.OpPush {
			return &gateway.PendingError{Tx: common.HexToHash("0x01"), Err: context.DeadlineExceeded}
		}
		return nil
	}

	var errResp ErrorResponse
	require.Equal(t, http.StatusAccepted, ts.post(t, "/api/v1/withdrawals",
		TransferRequest{Account: seller, Asset: token, Amount: 40}, &errResp))
	require.Contains(t, errResp.Message, "pending")

	var bal BalanceInfo
	require.Equal(t, http.StatusOK, ts.get(t, "/api/v1/accounts/"+seller.Hex()+"/balances/"+token.Hex(), &bal))
	require.Equal(t, uint64(60), bal.Balance)
}
