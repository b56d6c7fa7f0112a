// Package data implements the Data payload atom carried inside
// MAP_KEY_DATA / MAP_PEER_DATA message slots.
package data

import (
	"bytes"
	"crypto/dsa"
)

// MaxTTLSeconds is the largest representable TTL: the wire format steals
// the top bit of a 32-bit field for the "protected" flag, leaving 31 bits.
const MaxTTLSeconds = 1<<31 - 1

// Data is a single stored value: a byte payload with a TTL, a protection
// flag, and optional owner public key / signature.
//
// InheritsKey mirrors the wire sentinel pubkey_len = 0xFFFF ("reuse the
// message-level public key"): it is carried as an explicit flag on the
// atom rather than re-deriving the sentinel value at every call site, per
// the "pubkey_len = 0xFFFF sentinel" design note.
type Data struct {
	TTLSeconds  uint32
	Protected   bool
	Bytes       []byte
	PublicKey   *dsa.PublicKey
	Signature   []byte
	InheritsKey bool
}

// New builds a Data atom with no TTL, not protected.
func New(b []byte) Data {
	return Data{Bytes: append([]byte(nil), b...)}
}

// WithTTL returns a copy of d with TTLSeconds set.
func (d Data) WithTTL(seconds uint32) Data {
	if seconds > MaxTTLSeconds {
		seconds = MaxTTLSeconds
	}
	d.TTLSeconds = seconds
	return d
}

// WithProtected returns a copy of d with Protected set.
func (d Data) WithProtected(v bool) Data {
	d.Protected = v
	return d
}

// WithPublicKey returns a copy of d carrying an explicit owner key.
func (d Data) WithPublicKey(pk *dsa.PublicKey) Data {
	d.PublicKey = pk
	d.InheritsKey = false
	return d
}

// WithInheritedKey returns a copy of d flagged to reuse the enclosing
// message's public key once it is known (resolved by the codec).
func (d Data) WithInheritedKey() Data {
	d.PublicKey = nil
	d.InheritsKey = true
	return d
}

// WithSignature returns a copy of d carrying a raw signature blob.
func (d Data) WithSignature(sig []byte) Data {
	d.Signature = append([]byte(nil), sig...)
	return d
}

// Equal compares two Data atoms for round-trip testing. Two public keys
// are equal when both are nil or their Y values match; a resolved vs. unresolved
// InheritsKey atom intentionally compares unequal, since that is exactly
// the state a decode-before-signature-verification round trip leaves it in.
func (d Data) Equal(other Data) bool {
	if d.TTLSeconds != other.TTLSeconds || d.Protected != other.Protected {
		return false
	}
	if !bytes.Equal(d.Bytes, other.Bytes) {
		return false
	}
	if !bytes.Equal(d.Signature, other.Signature) {
		return false
	}
	if d.InheritsKey != other.InheritsKey {
		return false
	}
	if (d.PublicKey == nil) != (other.PublicKey == nil) {
		return false
	}
	if d.PublicKey != nil {
		if d.PublicKey.Y.Cmp(other.PublicKey.Y) != 0 {
			return false
		}
	}
	return true
}
