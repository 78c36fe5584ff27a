// Package webhook authenticates provider callbacks and turns them into
// payment re-verification.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC of the exact payload bytes. The
// header may be a bare hex digest or carry a sha256= prefix.
func Verify(payload []byte, header, secret string) error {
	if secret == "" {
		return payerrors.WebhookSignature("webhook secret not configured")
	}
	sig := extractSignature(header)
	if sig == "" {
		return payerrors.WebhookSignature("missing signature header")
	}
	if !constantTimeEqual(strings.ToLower(sig), Sign(payload, secret)) {
		return payerrors.WebhookSignature("signature mismatch")
	}
	return nil
}

func extractSignature(header string) string {
	sig := strings.TrimSpace(header)
	if len(sig) >= len(signaturePrefix) && strings.EqualFold(sig[:len(signaturePrefix)], signaturePrefix) {
		sig = strings.TrimSpace(sig[len(signaturePrefix):])
	}
	return sig
}

// constantTimeEqual compares without an early exit on the first
// differing byte.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
