// Package middleware carries the HTTP cross-cutting pieces of the showif
// server: bearer-token authentication for "keyID.secret" API keys, per-IP
// throttling of failed attempts, and request logging.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey hashes the secret half of an API key for storage. Only the hash
// is persisted; the plaintext secret is shown once at key creation.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash reports whether secret matches the stored hash. Keys
// minted before the bcrypt migration carry hex SHA-256 hashes; those still
// verify so existing clients keep working.
func APIKeyMatchesHash(storedHash, secret string) bool {
	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil {
		return true
	}
	return sha256HashMatches(storedHash, secret)
}

func sha256HashMatches(storedHash, secret string) bool {
	stored, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	sum := sha256.Sum256([]byte(secret))
	if len(stored) != len(sum) {
		return false
	}
	return subtle.ConstantTimeCompare(stored, sum[:]) == 1
}
