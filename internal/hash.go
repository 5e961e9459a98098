package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256sum computes a cryptographic hash. Store keys for nonces are derived
// with it: the nonce is chosen by the caller and key equality decides replay,
// so the hash must be collision resistant.
func SHA256sum(text string) string {
	hash := sha256.New()
	hash.Write([]byte(text))
	return hex.EncodeToString(hash.Sum(nil))
}
