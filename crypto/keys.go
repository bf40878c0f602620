package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PrivateKey is a raw ed25519 private key. Validators hold exactly one.
type PrivateKey []byte

// PublicKey is a raw ed25519 public key. Its hex encoding doubles as
// the validator address and the transaction sender identity.
type PublicKey []byte

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PrivateKey(priv), PublicKey(pub), nil
}

// Public derives the public half of priv.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

// Hex returns the 64-char hex encoding of pub.
func (pub PublicKey) Hex() string {
	return hex.EncodeToString(pub)
}

// Address returns the short human-readable form of pub: the first 20
// bytes of its SHA-256 digest, hex-encoded.
func (pub PublicKey) Address() string {
	return hex.EncodeToString(HashBytes(pub)[:20])
}

// PubKeyFromHex decodes the hex form used on the wire back into a key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return PublicKey(b), nil
}
