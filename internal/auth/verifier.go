package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Verifier checks a candidate PIN against the stored secret. The gate
// never sees the plaintext secret itself.
type Verifier interface {
	Verify(pin string) bool
}

// BcryptVerifier verifies PINs against a bcrypt hash.
type BcryptVerifier struct {
	hash []byte
}

// NewBcryptVerifier wraps a stored bcrypt PIN hash.
func NewBcryptVerifier(hash string) *BcryptVerifier {
	return &BcryptVerifier{hash: []byte(hash)}
}

// Verify reports whether pin matches the stored hash.
func (v *BcryptVerifier) Verify(pin string) bool {
	return bcrypt.CompareHashAndPassword(v.hash, []byte(pin)) == nil
}

// HashPIN hashes a plaintext PIN for storage.
func HashPIN(pin string) (string, error) {
	if len(pin) != PINLength {
		return "", fmt.Errorf("PIN must be exactly %d digits", PINLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("PIN must be numeric")
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash PIN: %w", err)
	}
	return string(hash), nil
}
