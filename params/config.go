package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	DBPath  string // empty keeps state in memory (devnet)
	LogFile string
	Verbose bool
}

type API struct {
	Addr        string
	CORSOrigins []string

	// RequireSignatures makes every operation carry an EIP-712 signature
	// from the account it acts for
	RequireSignatures bool
}

// Gateway selects the token transport.
//
//   - "memory":   in-process token balances, with a faucet endpoint (devnet)
//   - "ethereum": ERC-20 contracts on an EVM chain via JSON-RPC
type Gateway struct {
	Kind      string
	RPCURL    string
	ChainID   int64
	EscrowKey string // hex private key of the escrow account

	// PaymentUnitWei is the native-currency value of one payment unit
	PaymentUnitWei *big.Int
	ReceiptTimeout time.Duration
}

type Config struct {
	Node    Node
	API     API
	Gateway Gateway
}

func Default() Config {
	return Config{
		Node: Node{
			DBPath:  "data/exchange.db",
			LogFile: "logs/exchange.log",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Gateway: Gateway{
			Kind:           "memory",
			RPCURL:         "http://127.0.0.1:8545",
			ChainID:        1337,
			PaymentUnitWei: big.NewInt(1_000_000_000), // 1 gwei
			ReceiptTimeout: 2 * time.Minute,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	if os.Getenv("DB_PATH") == "memory" {
		cfg.Node.DBPath = ""
	}
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Node.Verbose = v == "true" || v == "1"
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = strings.Split(origins, ",")
	}
	if v := os.Getenv("REQUIRE_SIGNATURES"); v != "" {
		cfg.API.RequireSignatures = v == "true" || v == "1"
	}

	cfg.Gateway.Kind = getEnv("GATEWAY", cfg.Gateway.Kind)
	cfg.Gateway.RPCURL = getEnv("ETH_RPC_URL", cfg.Gateway.RPCURL)
	cfg.Gateway.EscrowKey = getEnv("ESCROW_KEY", cfg.Gateway.EscrowKey)

	if v := os.Getenv("ETH_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("ETH_CHAIN_ID: %w", err)
		}
		cfg.Gateway.ChainID = id
	}
	if v := os.Getenv("PAYMENT_UNIT_WEI"); v != "" {
		unit, ok := new(big.Int).SetString(v, 10)
		if !ok || unit.Sign() <= 0 {
			return cfg, fmt.Errorf("PAYMENT_UNIT_WEI: invalid value %q", v)
		}
		cfg.Gateway.PaymentUnitWei = unit
	}
	if v := os.Getenv("RECEIPT_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("RECEIPT_TIMEOUT_MS: %w", err)
		}
		cfg.Gateway.ReceiptTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail late at startup
func (c Config) Validate() error {
	switch c.Gateway.Kind {
	case "memory":
	case "ethereum":
		if c.Gateway.EscrowKey == "" {
			return fmt.Errorf("GATEWAY=ethereum requires ESCROW_KEY")
		}
	default:
		return fmt.Errorf("unknown GATEWAY %q (want memory or ethereum)", c.Gateway.Kind)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
