package auth

import (
	"crypto/sha256"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt pin hasher
// Used by default if another one is not provided
// Pin is prehashed with sha256, so bcrypt 72 bytes limit never truncates it
type BcryptHasher struct {
	// bcrypt.DefaultCost if zero
	Cost int
}

func (h BcryptHasher) Hash(pin string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	sum := sha256.Sum256([]byte(pin))
	hash, err := bcrypt.GenerateFromPassword(sum[:], cost)
	return string(hash), err
}

func (h BcryptHasher) Compare(hashedPin string, pin string) error {
	sum := sha256.Sum256([]byte(pin))
	return bcrypt.CompareHashAndPassword([]byte(hashedPin), sum[:])
}
