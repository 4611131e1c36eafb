package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
//
//   bal:<asset>:<account>  → escrowed token balance
//   cred:<account>         → payment credit
//   ord:<asset>:<seller>   → active sell order
//   trade:<asset>:<seq>    → settlement record
//   meta:seq               → last trade sequence

// Key prefixes
const (
	prefixBalance = "bal:"
	prefixCredit  = "cred:"
	prefixOrder   = "ord:"
	prefixTrade   = "trade:"
)

var keyLastSeq = []byte("meta:seq")

// balanceKey returns the key for a token balance
// Format: "bal:{asset}:{account}"
func balanceKey(asset, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), account.Hex()))
}

// creditKey returns the key for an account's credit
// Format: "cred:{account}"
func creditKey(account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixCredit, account.Hex()))
}

// orderKey returns the key for a sell order slot
// Format: "ord:{asset}:{seller}"
func orderKey(asset, seller common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, asset.Hex(), seller.Hex()))
}

// tradeKey returns the key for a trade
// Format: "trade:{asset}:{seq}"
// Sequence is zero-padded (20 digits) for lexicographic sorting
func tradeKey(asset common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, asset.Hex(), seq))
}

// tradePrefix returns the prefix for all trades of an asset
// Format: "trade:{asset}:"
func tradePrefix(asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, asset.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
