// Package token generates and hashes bearer tokens. Plaintext tokens exist
// only in transit; the store keeps SHA-256 digests.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TTL is how long an issued token stays valid.
const TTL = 24 * time.Hour

// Generate returns a new bearer token: 32 bytes from crypto/rand, hex-encoded.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex SHA-256 digest of a token. The digest is deterministic
// so valid tokens can be looked up by hash.
func Hash(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// Expiry returns the expiry timestamp for a token issued now.
func Expiry() time.Time {
	return time.Now().UTC().Add(TTL)
}
