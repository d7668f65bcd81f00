package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/inaiurai/consumables/internal/webhook"
)

// MaxWebhookBodyBytes caps the webhook payload read for signature checks.
const MaxWebhookBodyBytes = 1 << 20

// WebhookSignature rejects requests whose X-Signature header is not the
// HMAC-SHA256 of the raw body under secret. It reads the body, then replaces
// r.Body so downstream handlers can re-read the exact bytes. With no secret
// configured every request is refused with 503.
func WebhookSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"webhook secret not configured"}`, http.StatusServiceUnavailable)
				return
			}

			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}

			if !webhook.VerifySignature(bodyBytes, r.Header.Get(webhook.SignatureHeader), secret) {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			next.ServeHTTP(w, r)
		})
	}
}
