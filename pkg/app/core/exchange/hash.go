package exchange

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// StateHash computes a deterministic Keccak-256 digest of the exchange state.
//
// Components hashed (in order):
//  1. Last trade sequence (8 bytes, big-endian)
//  2. Balances (count, then entries) sorted by asset, then account: asset ‖ account ‖ amount
//  3. Credits sorted by account: account ‖ amount
//  4. Orders sorted by asset, price, seller: asset ‖ seller ‖ remaining ‖ price
//
// Two engines that applied the same operations report the same hash.
func (e *Engine) StateHash() common.Hash {
	snap := e.Snapshot()

	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	putUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	putUint(snap.LastSeq)
	putUint(uint64(len(snap.Balances)))
	for _, b := range snap.Balances {
		h.Write(b.Asset[:])
		h.Write(b.Account[:])
		putUint(b.Amount)
	}
	putUint(uint64(len(snap.Credits)))
	for _, c := range snap.Credits {
		h.Write(c.Account[:])
		putUint(c.Amount)
	}
	putUint(uint64(len(snap.Orders)))
	for _, o := range snap.Orders {
		h.Write(o.Asset[:])
		h.Write(o.Seller[:])
		putUint(o.Remaining)
		putUint(o.Price)
	}

	return common.BytesToHash(h.Sum(nil))
}
