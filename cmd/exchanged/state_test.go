package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenexchange/params"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/exchange"
	"github.com/uhyunpark/tokenexchange/pkg/gateway"
	"github.com/uhyunpark/tokenexchange/pkg/storage"
)

func TestPrintState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "exchange.db")
	token := common.HexToAddress("0x1000000000000000000000000000000000000001")
	seller := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	buyer := common.HexToAddress("0xBB00000000000000000000000000000000000000")

	store, err := storage.NewPebbleStore(dbPath)
	require.NoError(t, err)
	gw := gateway.NewMemory(devnetEscrow)
	gw.Mint(token, seller, 100)
	gw.Approve(token, seller, devnetEscrow, 100)

	e, err := exchange.New(store, gw)
	require.NoError(t, err)
	require.NoError(t, e.Deposit(context.Background(), seller, token, 100))
	_, err = e.PlaceOffer(seller, token, 100, 2)
	require.NoError(t, err)
	_, err = e.Settle(buyer, seller, token, 25, 50)
	require.NoError(t, err)
	want := e.StateHash().Hex()
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, printState(&out, dbPath))

	var report stateReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, want, report.StateHash)
	require.Equal(t, "ok", report.Invariants)
	require.Len(t, report.State.Balances, 2)
	require.Len(t, report.State.Orders, 1)
	require.Equal(t, uint64(75), report.State.Orders[0].Remaining)
	require.Equal(t, uint64(1), report.State.LastSeq)
}

func TestOpenGatewayMemoryUsesEscrowKey(t *testing.T) {
	cfg := params.Default().Gateway
	gw, faucet, closeGateway, err := openGateway(context.Background(), cfg)
	require.NoError(t, err)
	defer closeGateway()
	require.Equal(t, devnetEscrow, gw.Escrow())
	require.NotNil(t, faucet)

	// Well-known development key (hardhat account #0)
	cfg.EscrowKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	gw, _, _, err = openGateway(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), gw.Escrow())

	cfg.Kind = "bitcoin"
	_, _, _, err = openGateway(context.Background(), cfg)
	require.Error(t, err)
}
