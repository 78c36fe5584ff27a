package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// AdminKeyVerifier checks admin API keys against a bcrypt hash, so the
// plaintext key never sits in configuration.
type AdminKeyVerifier struct {
	hash []byte
}

func NewAdminKeyVerifier(hash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: []byte(hash)}
}

// HashAPIKey produces the value to store in ADMIN_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

func (v *AdminKeyVerifier) Verify(key string) error {
	if key == "" {
		return ErrMissingAPIKey
	}
	if len(v.hash) == 0 {
		return ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}
