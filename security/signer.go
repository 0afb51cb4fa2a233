// Package security signs outbound envelopes and validates inbound ones.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/mbocsi/kioskrelay/proto"
)

// DefaultSharedSecret is the secret the stock terminals ship with.
const DefaultSharedSecret = "POS-KIOSK-SECRET-KEY-2024"

var ErrEmptySecret = errors.New("shared secret must not be empty")

// Signer computes and checks HMAC-SHA256 signatures over canonical payloads.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the lowercase hex HMAC of the canonical form of payload.
func (s *Signer) Sign(payload proto.Payload) (string, error) {
	data, err := proto.Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches payload. The comparison is constant time.
func (s *Signer) Verify(payload proto.Payload, signature string) bool {
	expected, err := s.Sign(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
