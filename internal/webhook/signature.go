package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of rawBody
// under secret. The comparison is constant-time and any length mismatch is
// a failure. rawBody must be the exact bytes received, not a re-encoding.
func VerifySignature(rawBody []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(rawBody, secret)), []byte(signature))
}
