package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Authenticator answers and validates challenges for a shared secret.
// The MAC key is the SHA-256 digest of the secret, never the raw secret.
type Authenticator struct {
	key []byte
}

func NewAuthenticator(secret string) *Authenticator {
	sum := sha256.Sum256([]byte(secret))
	return &Authenticator{key: sum[:]}
}

// NewNonce returns a fresh 128-bit challenge nonce, hex encoded.
func NewNonce() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Answer computes the reply for a hex-encoded challenge nonce.
func (a *Authenticator) Answer(nonce string) (string, error) {
	raw, err := hex.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("malformed challenge nonce: %w", err)
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Validate checks a reply against a nonce in constant time.
func (a *Authenticator) Validate(nonce, reply string) bool {
	want, err := a.Answer(nonce)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	gotRaw, err := hex.DecodeString(reply)
	if err != nil {
		return false
	}
	return hmac.Equal(wantRaw, gotRaw)
}
