// Package auth abstracts credential hashing so the tracker only ever sees
// opaque digests.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// A Hasher digests passwords and checks candidates against stored digests.
type Hasher interface {
	// Hash digests a plaintext password.
	Hash(password string) (string, error)

	// Compare reports whether the candidate password matches the digest.
	Compare(digest, password string) bool
}

// Bcrypt is a Hasher backed by bcrypt with a configurable cost.
type Bcrypt struct {
	Cost int
}

// NewBcrypt returns a bcrypt Hasher with the default cost.
func NewBcrypt() Bcrypt {
	return Bcrypt{Cost: bcrypt.DefaultCost}
}

// Hash implements Hasher.
func (b Bcrypt) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Compare implements Hasher.
func (b Bcrypt) Compare(digest, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}
