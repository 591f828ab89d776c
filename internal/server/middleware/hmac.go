package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
)

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 1 << 20

// HMAC returns middleware that admits only requests signed with auth's
// shared secret. The body is buffered and handed on intact.
func HMAC(auth *crypto.HMACAuth, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = auth.Verify(
				r.Header.Get(crypto.HeaderKey),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
				r.Method, r.URL.Path, string(body), time.Now(),
			)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected unsigned request",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeUnauthorized(w, "invalid request signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
