// Package id160 implements the 160-bit opaque identifier used for peer
// IDs, content keys, and domain keys throughout the overlay.
package id160

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the fixed wire and in-memory size of an Id160, in bytes.
const Size = 20

// Id160 is an immutable 160-bit value. The zero value is the all-zero id.
type Id160 struct {
	b [Size]byte
}

// Zero is the all-zero identifier.
var Zero = Id160{}

// Max is the all-ones identifier.
var Max = func() Id160 {
	var id Id160
	for i := range id.b {
		id.b[i] = 0xff
	}
	return id
}()

// FromBytes builds an Id160 from exactly Size bytes, big-endian.
func FromBytes(b []byte) (Id160, error) {
	var id Id160
	if len(b) != Size {
		return id, fmt.Errorf("id160: expected %d bytes, got %d", Size, len(b))
	}
	copy(id.b[:], b)
	return id, nil
}

// MustFromBytes is FromBytes but panics on error; useful for literals in tests.
func MustFromBytes(b []byte) Id160 {
	id, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

// Random returns a cryptographically random identifier.
func Random() Id160 {
	var id Id160
	if _, err := rand.Read(id.b[:]); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	return id
}

// Bytes returns the 20-byte big-endian wire representation.
func (id Id160) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id.b[:])
	return out
}

// Equal reports bytewise equality.
func (id Id160) Equal(other Id160) bool {
	return id.b == other.b
}

// Compare returns -1, 0 or 1 comparing the two ids bytewise (big-endian,
// so this is also the natural numeric ordering).
func (id Id160) Compare(other Id160) int {
	for i := 0; i < Size; i++ {
		if id.b[i] < other.b[i] {
			return -1
		}
		if id.b[i] > other.b[i] {
			return 1
		}
	}
	return 0
}

// Xor returns the bytewise XOR distance between two ids, used by a
// routing table implementation built against this package.
func (id Id160) Xor(other Id160) Id160 {
	var out Id160
	for i := 0; i < Size; i++ {
		out.b[i] = id.b[i] ^ other.b[i]
	}
	return out
}

// IsZero reports whether this is the all-zero identifier.
func (id Id160) IsZero() bool {
	return id == Zero
}

// String returns a base58-encoded, short-form representation suitable for
// log lines (mirrors the teacher's pkg/types base58 node-id encoding).
func (id Id160) String() string {
	return base58.Encode(id.b[:])
}

// Hex returns the full 40-character hex representation.
func (id Id160) Hex() string {
	return hex.EncodeToString(id.b[:])
}

// FromHex parses the 40-character hex representation produced by Hex.
func FromHex(s string) (Id160, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id160{}, fmt.Errorf("id160: decode hex: %w", err)
	}
	return FromBytes(b)
}
