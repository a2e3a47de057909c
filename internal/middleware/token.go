// Package middleware provides HTTP middleware for the gatez server:
// bearer-token authentication with bcrypt-hashed admin tokens, per-IP
// throttling of failed auth attempts, and request logging.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

// HashToken returns a salted bcrypt hash for an admin token, suitable for
// the ADMIN_TOKEN_HASH environment variable.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares a token against a stored hash.
// Legacy SHA-256 hashes remain supported for backward compatibility.
func TokenMatchesHash(expectedHash, token string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)); err == nil {
		return true
	}

	return legacyTokenMatchesHash(expectedHash, token)
}

func legacyTokenMatchesHash(expectedHash, token string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(token))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}
