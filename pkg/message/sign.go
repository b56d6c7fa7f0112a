package message

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // wire-format mandated: DSA-SHA1, see SPEC_FULL.md §4.1
	"fmt"
	"math/big"
)

// signatureHalfSize is the size in bytes of each of the two signature
// components r and s on the wire: 160 bits, matching a DSA key whose q is
// sized for SHA-1 (the classical L=1024/N=160 DSA parameter set named by
// the "DSA-SHA1" wire format).
const signatureHalfSize = 20

// signatureSize is the total trailing signature size the codec appends:
// two 160-bit components.
const signatureSize = 2 * signatureHalfSize

// sha1DSA computes the DSA-SHA1 signature over buf as two fixed-width
// 160-bit big-endian integers, ready to be appended to the wire buffer.
func sha1DSA(priv *dsa.PrivateKey, buf []byte) ([]byte, []byte, error) {
	sum := sha1.Sum(buf) //nolint:gosec
	r, s, err := dsa.Sign(rand.Reader, priv, sum[:])
	if err != nil {
		return nil, nil, fmt.Errorf("message: dsa sign: %w", err)
	}
	return fixedBytes(r, signatureHalfSize), fixedBytes(s, signatureHalfSize), nil
}

// verifySHA1DSA verifies a DSA-SHA1 signature given as two 160-bit
// big-endian integers against buf.
func verifySHA1DSA(pub *dsa.PublicKey, buf []byte, rBytes, sBytes []byte) bool {
	if pub == nil {
		return false
	}
	sum := sha1.Sum(buf) //nolint:gosec
	r := new(big.Int).SetBytes(rBytes)
	s := new(big.Int).SetBytes(sBytes)
	return dsa.Verify(pub, sum[:], r, s)
}

// fixedBytes renders n as big-endian bytes, zero-padded or left-truncated
// to exactly size bytes, matching the fixed 160-bit wire width.
func fixedBytes(n *big.Int, size int) []byte {
	raw := n.Bytes()
	out := make([]byte, size)
	if len(raw) >= size {
		copy(out, raw[len(raw)-size:])
		return out
	}
	copy(out[size-len(raw):], raw)
	return out
}
