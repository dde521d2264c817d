// Package digest computes a short content digest of a transaction
// proposal, letting a replica detect a coordinator retry that reuses a
// tid but changes the payload — a protocol violation none of the base
// idempotence laws in spec §8 distinguish from a legitimate retry.
package digest

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/wikireplica/wikireplica/internal/txn"
)

// Of returns the BLAKE2b-128 digest of a transaction payload for the
// given kind.
func Of(kind txn.Kind, p txn.Payload) [16]byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only errors on an out-of-range size or malformed
		// key; both are impossible with the fixed arguments above.
		panic("digest: blake2b.New: " + err.Error())
	}

	h.Write([]byte{byte(kind)})
	writeString(h, p.Name)
	writeString(h, p.Content)
	if p.Admin {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
