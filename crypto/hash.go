// Package crypto wraps the primitives the rest of the node treats as
// opaque: SHA-256 digests and ed25519 keys and signatures. Nothing in
// here knows about blocks or votes; callers hand it canonical bytes.
package crypto

import "crypto/sha256"

// HashBytes returns the raw SHA-256 digest of data.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
