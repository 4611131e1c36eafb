package storage

import (
	"encoding/binary"
	"fmt"
)

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeSeq(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid sequence length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
