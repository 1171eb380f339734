package paygate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature is returned when a webhook payload fails
// verification. The ingress rejects such payloads before any
// reconciliation happens.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks the HMAC-SHA256 signature the processor attaches to
// every webhook delivery.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks the hex-encoded signature header against the payload.
func (v *Verifier) Verify(payload []byte, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)

	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex signature for a payload. Used by tests and by
// tooling that replays captured deliveries.
func (v *Verifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
