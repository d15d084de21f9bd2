// Package security provides cryptographic and authentication utilities.
// This file implements password hashing and verification using bcrypt.
package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost balances hashing latency against brute-force resistance
// for interactive logins.
const DefaultBcryptCost = 10

// HashPassword bcrypt-hashes password at DefaultBcryptCost. The returned
// string embeds the algorithm, cost, and salt, so it is self-describing at
// verification time.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// HashPasswordWithCost is HashPassword with an explicit cost factor, for
// callers that need a higher cost than the default (e.g. admin accounts).
func HashPasswordWithCost(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("invalid cost factor %d: must be between %d and %d", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash. It returns
// bcrypt.ErrMismatchedHashAndPassword on mismatch and is constant-time
// against the hash it's given.
func VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// NeedsRehash reports whether hash was generated at a cost other than cost,
// so callers can opportunistically upgrade hashes during login after
// raising DefaultBcryptCost.
func NeedsRehash(hash string, cost int) (bool, error) {
	actualCost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false, fmt.Errorf("failed to get hash cost: %w", err)
	}
	return actualCost != cost, nil
}
