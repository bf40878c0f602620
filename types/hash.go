// Package types defines the wire and consensus data model: hashes,
// transactions, validator sets, commit certificates, and blocks.
package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolbft/crypto"
)

// Hash is a fixed-width SHA-256 digest.
type Hash [32]byte

// ZeroHash is the canonical "no predecessor" hash used by the genesis block.
var ZeroHash = Hash{}

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	var h Hash
	copy(h[:], crypto.HashBytes(data))
	return h
}

// HashConcat hashes the length-prefixed concatenation of parts, so that
// different groupings of the same bytes can never collide.
func HashConcat(parts ...[]byte) Hash {
	var buf bytes.Buffer
	for _, p := range parts {
		var lenBuf [4]byte
		l := len(p)
		lenBuf[0] = byte(l >> 24)
		lenBuf[1] = byte(l >> 16)
		lenBuf[2] = byte(l >> 8)
		lenBuf[3] = byte(l)
		buf.Write(lenBuf[:])
		buf.Write(p)
	}
	return HashBytes(buf.Bytes())
}

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// HashFromHex decodes a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	decoded, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}
