package gateway

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI covers the subset of ERC-20 the gateway calls
const erc20ABI = `[
 {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Native value transfers to externally owned accounts cost exactly this much gas
const transferGas = 21000

// EthereumConfig configures the on-chain gateway
type EthereumConfig struct {
	RPCURL    string
	ChainID   int64  // 0 = ask the node
	EscrowKey string // hex secp256k1 key of the escrow account

	// PaymentUnit is the wei value of one ledger payment unit (default 1 gwei)
	PaymentUnit *big.Int

	// ReceiptTimeout bounds the wait for each transaction to be mined
	ReceiptTimeout time.Duration
}

// Ethereum is a Gateway backed by ERC-20 contracts on an EVM chain.
// Escrow is the account derived from EscrowKey; every call sends one
// legacy transaction from it and waits for the receipt.
type Ethereum struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	escrow  common.Address
	chainID *big.Int
	erc20   abi.ABI
	unit    *big.Int
	timeout time.Duration

	mu sync.Mutex // serializes escrow nonces
}

// DialEthereum connects to the RPC endpoint and prepares the escrow signer
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*Ethereum, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.EscrowKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid escrow key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	unit := cfg.PaymentUnit
	if unit == nil || unit.Sign() <= 0 {
		unit = big.NewInt(1_000_000_000)
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Ethereum{
		client:  client,
		key:     key,
		escrow:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		erc20:   parsed,
		unit:    unit,
		timeout: timeout,
	}, nil
}

// Close closes the RPC connection
func (g *Ethereum) Close() { g.client.Close() }

func (g *Ethereum) Escrow() common.Address { return g.escrow }

func (g *Ethereum) Pull(ctx context.Context, asset, owner common.Address, amount uint64) error {
	return g.transact(ctx, asset, "transferFrom", owner, g.escrow, new(big.Int).SetUint64(amount))
}

func (g *Ethereum) Push(ctx context.Context, asset, recipient common.Address, amount uint64) error {
	return g.transact(ctx, asset, "transfer", recipient, new(big.Int).SetUint64(amount))
}

func (g *Ethereum) BalanceOf(ctx context.Context, asset, holder common.Address) (uint64, error) {
	var out []interface{}
	if err := g.token(asset).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return 0, fmt.Errorf("balanceOf %s: %w", holder.Hex(), err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("balanceOf %s: unexpected result %T", holder.Hex(), out[0])
	}
	if !bal.IsUint64() {
		return 0, fmt.Errorf("balanceOf %s: %s exceeds uint64", holder.Hex(), bal)
	}
	return bal.Uint64(), nil
}

// Pay sends amount × PaymentUnit wei to recipient. Zero amounts send nothing.
func (g *Ethereum) Pay(ctx context.Context, recipient common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	value := new(big.Int).Mul(new(big.Int).SetUint64(amount), g.unit)

	g.mu.Lock()
	defer g.mu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.escrow)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, recipient, value, transferGas, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return fmt.Errorf("sign payment: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send payment: %w", err)
	}
	return g.wait(ctx, signed)
}

func (g *Ethereum) token(asset common.Address) *bind.BoundContract {
	return bind.NewBoundContract(asset, g.erc20, g.client, g.client, g.client)
}

func (g *Ethereum) transact(ctx context.Context, asset common.Address, method string, args ...interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	if opts.GasPrice, err = g.client.SuggestGasPrice(ctx); err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}

	tx, err := g.token(asset).Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", method, asset.Hex(), err)
	}
	return g.wait(ctx, tx)
}

// wait blocks until tx is mined and fails if it reverted. The caller's
// cancellation does not stop the wait; only ReceiptTimeout does, and then
// the outcome is reported as pending.
func (g *Ethereum) wait(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return &PendingError{Tx: tx.Hash(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return nil
}

var _ Gateway = (*Ethereum)(nil)
