package authz

import (
	"bytes"
	"io"
	"net/http"

	"github.com/stanstork/stratum-connect/internal/webhook"
)

const maxSignedBody = 1 << 20

// RequireSignature admits requests whose body carries a valid HMAC-SHA256 signature in
// the X-Webhook-Signature header. The body is restored for the next handler.
func RequireSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "Ingest endpoint disabled", http.StatusServiceUnavailable)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				http.Error(w, "Failed to read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxSignedBody {
				http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if !webhook.VerifySignature(secret, body, r.Header.Get(webhook.SignatureHeader)) {
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
