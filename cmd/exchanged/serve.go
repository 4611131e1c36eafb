package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/tokenexchange/params"
	"github.com/uhyunpark/tokenexchange/pkg/api"
	"github.com/uhyunpark/tokenexchange/pkg/app/core/exchange"
	"github.com/uhyunpark/tokenexchange/pkg/crypto"
	"github.com/uhyunpark/tokenexchange/pkg/gateway"
	"github.com/uhyunpark/tokenexchange/pkg/storage"
	"github.com/uhyunpark/tokenexchange/pkg/util"
)

// devnetEscrow holds escrowed units when the memory gateway runs without ESCROW_KEY
var devnetEscrow = common.HexToAddress("0x000000000000000000000000000000000000E5C0")

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the exchange engine with its REST and WebSocket API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := params.LoadFromEnv(envFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if verbose {
		cfg.Node.Verbose = true
	}

	logger, err := newLogger(cfg.Node)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	store, err := openStore(cfg.Node)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, faucet, closeGateway, err := openGateway(ctx, cfg.Gateway)
	if err != nil {
		return err
	}
	defer closeGateway()
	if faucet != nil && cfg.Node.DBPath != "" {
		sugar.Warnw("memory_gateway_with_persistent_store",
			"db_path", cfg.Node.DBPath,
			"note", "external token holdings reset on restart while escrow balances persist")
	}

	engine, err := exchange.New(store, gw, exchange.WithLogger(logger))
	if err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithLogger(logger)}
	if faucet != nil {
		apiOpts = append(apiOpts, api.WithFaucet(faucet))
	}
	if cfg.API.RequireSignatures {
		domain := crypto.DefaultDomain(cfg.Gateway.ChainID, engine.Escrow())
		apiOpts = append(apiOpts, api.WithSignatures(domain, util.RealClock{}))
		sugar.Infow("signatures_required", "chain_id", cfg.Gateway.ChainID, "verifying_contract", engine.Escrow().Hex())
	}
	srv := api.NewServer(engine, apiOpts...)
	engine.OnTrade = srv.PublishTrade
	engine.OnOfferChange = srv.PublishOffer

	httpSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(cfg.API.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sugar.Infow("exchange_starting",
		"gateway", cfg.Gateway.Kind,
		"escrow", engine.Escrow().Hex(),
		"db_path", cfg.Node.DBPath,
		"state_hash", engine.StateHash().Hex())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	sugar.Infow("exchange_stopped", "state_hash", engine.StateHash().Hex(), "err", err)
	return err
}

func newLogger(cfg params.Node) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.Verbose)
	}
	return util.NewLoggerWithFile(cfg.LogFile, cfg.Verbose)
}

// openStore opens Pebble at DBPath, or an in-memory store when it is empty
func openStore(cfg params.Node) (storage.Store, error) {
	if cfg.DBPath == "" {
		return storage.NewMemoryStore(), nil
	}
	s, err := storage.NewPebbleStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	return s, nil
}

// openGateway builds the configured token gateway. The faucet is non-nil
// only for the memory gateway.
func openGateway(ctx context.Context, cfg params.Gateway) (gateway.Gateway, api.Faucet, func(), error) {
	switch cfg.Kind {
	case "memory":
		escrow := devnetEscrow
		if cfg.EscrowKey != "" {
			key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.EscrowKey, "0x"))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("ESCROW_KEY: %w", err)
			}
			escrow = ethcrypto.PubkeyToAddress(key.PublicKey)
		}
		m := gateway.NewMemory(escrow)
		return m, m, func() {}, nil

	case "ethereum":
		eth, err := gateway.DialEthereum(ctx, gateway.EthereumConfig{
			RPCURL:         cfg.RPCURL,
			ChainID:        cfg.ChainID,
			EscrowKey:      cfg.EscrowKey,
			PaymentUnit:    cfg.PaymentUnitWei,
			ReceiptTimeout: cfg.ReceiptTimeout,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ethereum gateway: %w", err)
		}
		return eth, nil, eth.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown gateway %q", cfg.Kind)
	}
}
