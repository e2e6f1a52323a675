package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// VerificationError reports a webhook whose signature did not verify.
// The body of such a request is never parsed.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "webhook verification failed: " + e.Reason
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signatureHeader against the HMAC-SHA256 of payload.
// The header may be bare hex or prefixed with "sha256=".
func VerifySignature(payload []byte, signatureHeader, secret string) error {
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, signaturePrefix)
	if secret == "" {
		return &VerificationError{Reason: "webhook secret not configured"}
	}
	if sig == "" {
		return &VerificationError{Reason: "missing signature"}
	}

	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return &VerificationError{Reason: "malformed signature"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return &VerificationError{Reason: "signature mismatch"}
	}
	return nil
}
