package auth

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor for new password hashes.
// Raise it by one roughly every 18 months (from January 2022) as hardware gets faster.
const DefaultBcryptCost = 12

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// Hasher hashes and verifies passwords with bcrypt.
type Hasher struct {
	cost    int
	dummy   []byte
	compare func(hash, password []byte) error
}

// NewHasher returns a Hasher using cost. A cost outside bcrypt's range falls back
// to DefaultBcryptCost.
func NewHasher(cost int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	// The dummy hash has the same cost as real ones so a lookup miss costs as much
	// as a wrong password.
	dummy, err := bcrypt.GenerateFromPassword([]byte("reduce-timing-attacks"), cost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}
	return &Hasher{cost: cost, dummy: dummy, compare: bcrypt.CompareHashAndPassword}, nil
}

func (h *Hasher) Cost() int { return h.cost }

func (h *Hasher) HashPassword(plaintext string) (string, error) {
	if len(plaintext) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	return string(b), err
}

// VerifyPassword compares plaintext with hash. An empty hash is compared against
// the dummy hash and always fails, taking as long as a real comparison.
func (h *Hasher) VerifyPassword(plaintext, hash string) bool {
	if hash == "" {
		_ = h.compare(h.dummy, []byte(plaintext))
		return false
	}
	return h.compare([]byte(hash), []byte(plaintext)) == nil
}

// HashToken returns the hex SHA-512 digest of raw. Used for reset and
// verification tokens where equality of digests is the check.
func HashToken(raw string) string {
	sum := sha512.Sum512([]byte(raw))
	return hex.EncodeToString(sum[:])
}
