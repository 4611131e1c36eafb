package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/tokenexchange/params"
	"github.com/uhyunpark/tokenexchange/pkg/api"
	"github.com/uhyunpark/tokenexchange/pkg/crypto"
)

var signFlags struct {
	key       string
	action    string
	asset     string
	seller    string
	amount    uint64
	price     uint64
	payment   uint64
	nonce     uint64
	deadline  int64
	escrow    string
	typedData bool
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign an exchange request with EIP-712 and print its JSON body",
	Long: `sign builds the request body for one exchange operation and signs it
with the given key, for servers started with REQUIRE_SIGNATURES=true.
The signing account is the key's address: the depositor, seller or buyer.

  exchanged sign --key 0x... --action placeOffer --asset 0x... --amount 100 --price 2 --nonce 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := params.LoadFromEnv(envFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		var signer *crypto.Signer
		if signFlags.key == "" {
			if signer, err = crypto.GenerateKey(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "generated key %s for %s (KEEP SECRET!)\n", signer.PrivateKeyHex(), signer.Address().Hex())
		} else if signer, err = crypto.FromPrivateKeyHex(signFlags.key); err != nil {
			return err
		}

		escrow := devnetEscrow
		if signFlags.escrow != "" {
			if !common.IsHexAddress(signFlags.escrow) {
				return fmt.Errorf("--escrow: invalid address %q", signFlags.escrow)
			}
			escrow = common.HexToAddress(signFlags.escrow)
		}
		deadline := signFlags.deadline
		if deadline == 0 {
			deadline = time.Now().Add(time.Hour).Unix()
		}

		action := crypto.Action{
			Action:   signFlags.action,
			Account:  signer.Address(),
			Amount:   signFlags.amount,
			Price:    signFlags.price,
			Payment:  signFlags.payment,
			Nonce:    signFlags.nonce,
			Deadline: deadline,
		}
		if action.Asset, err = flagAddress("asset", signFlags.asset); err != nil {
			return err
		}
		if action.Seller, err = flagAddress("seller", signFlags.seller); err != nil {
			return err
		}

		es := crypto.NewEIP712Signer(crypto.DefaultDomain(cfg.Gateway.ChainID, escrow))
		return writeSignedRequest(cmd.OutOrStdout(), es, signer, action, signFlags.typedData)
	},
}

func init() {
	f := signCmd.Flags()
	f.StringVar(&signFlags.key, "key", "", "hex private key (generated when empty)")
	f.StringVar(&signFlags.action, "action", "", "deposit, withdraw, placeOffer, cancelOffer, settle or collectCredit")
	f.StringVar(&signFlags.asset, "asset", "", "token address")
	f.StringVar(&signFlags.seller, "seller", "", "seller address (settle)")
	f.Uint64Var(&signFlags.amount, "amount", 0, "token units")
	f.Uint64Var(&signFlags.price, "price", 0, "payment units per token (placeOffer)")
	f.Uint64Var(&signFlags.payment, "payment", 0, "payment units offered (settle)")
	f.Uint64Var(&signFlags.nonce, "nonce", 1, "must exceed the last nonce the server accepted for this account")
	f.Int64Var(&signFlags.deadline, "deadline", 0, "unix seconds (default: one hour from now)")
	f.StringVar(&signFlags.escrow, "escrow", "", "escrow address used as the verifying contract (default: devnet escrow)")
	f.BoolVar(&signFlags.typedData, "typed-data", false, "also print the eth_signTypedData_v4 payload")
	signCmd.MarkFlagRequired("action")
	rootCmd.AddCommand(signCmd)
}

func flagAddress(name, v string) (common.Address, error) {
	if v == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, v)
	}
	return common.HexToAddress(v), nil
}

// writeSignedRequest signs action and prints the request body its endpoint expects
func writeSignedRequest(w io.Writer, es *crypto.EIP712Signer, signer *crypto.Signer, action crypto.Action, typedData bool) error {
	sig, err := es.SignAction(signer, &action)
	if err != nil {
		return err
	}
	auth := api.Auth{Nonce: action.Nonce, Deadline: action.Deadline, Signature: fmt.Sprintf("0x%x", sig)}

	var path string
	var body interface{}
	switch action.Action {
	case crypto.ActionDeposit, crypto.ActionWithdraw:
		path = "/api/v1/deposits"
		if action.Action == crypto.ActionWithdraw {
			path = "/api/v1/withdrawals"
		}
		body = api.TransferRequest{Account: action.Account, Asset: action.Asset, Amount: action.Amount, Auth: auth}
	case crypto.ActionPlaceOffer:
		path = "/api/v1/offers"
		body = api.OfferRequest{Account: action.Account, Asset: action.Asset, Amount: action.Amount, Price: action.Price, Auth: auth}
	case crypto.ActionCancelOffer:
		path = "/api/v1/offers/cancel"
		body = api.CancelRequest{Account: action.Account, Asset: action.Asset, Auth: auth}
	case crypto.ActionSettle:
		path = "/api/v1/settlements"
		body = api.SettleRequest{
			Buyer: action.Account, Seller: action.Seller, Asset: action.Asset,
			Amount: action.Amount, Payment: action.Payment, Auth: auth,
		}
	case crypto.ActionCollectCredit:
		path = "/api/v1/credits/collect"
		body = api.CollectRequest{Account: action.Account, Auth: auth}
	default:
		return fmt.Errorf("unknown action %q", action.Action)
	}

	if typedData {
		td, err := es.ActionToJSON(&action)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "# typed data\n%s\n", td)
	}

	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "# POST %s\n%s\n", path, out)
	return err
}
