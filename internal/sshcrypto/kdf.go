package sshcrypto

import (
	"crypto/sha1"
	"math/big"

	"github.com/goshell-project/goshell/internal/wire"
)

// DeriveKey implements RFC 4253 §7.2's compute_key: K1 = HASH(K || H ||
// ID || session_id); Kn+1 = HASH(K || H || K1 || ... || Kn); repeated
// until the output is at least nBytes long, then truncated. ID is one
// of the single ASCII characters 'A'..'F'. K is encoded as an mpint,
// H and session_id are raw bytes with no length prefix.
func DeriveKey(K *big.Int, H []byte, sessionID []byte, id byte, nBytes int) []byte {
	mpintK := wire.NewWriter().MPInt(K).Bytes()

	h := sha1.New()
	h.Write(mpintK)
	h.Write(H)
	h.Write([]byte{id})
	h.Write(sessionID)
	key := h.Sum(nil)

	for len(key) < nBytes {
		h.Reset()
		h.Write(mpintK)
		h.Write(H)
		h.Write(key)
		key = append(key, h.Sum(nil)...)
	}
	return key[:nBytes]
}
