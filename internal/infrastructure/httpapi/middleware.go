package httpapi

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cloudrpa/fleet/internal/config"
)

// payloadTooLargeJSON is a pre-marshaled error response for 413 Request
// Entity Too Large. Using a constant ensures we can always respond even if
// marshaling fails.
const payloadTooLargeJSON = `{"error":{"code":"PAYLOAD_TOO_LARGE","message":"request body exceeds size limit","details":[]}}`

// apiKeyAuth is HTTP middleware that authenticates requests against the
// orchestrator's pre-shared API key. Robots and operator tooling both carry
// the key in the Authorization header.
type apiKeyAuth struct {
	// keyHash is the SHA-256 digest of the configured key. Comparing
	// digests keeps the comparison constant-time regardless of how much
	// of the key an attacker guessed.
	keyHash [sha256.Size]byte
}

// newAPIKeyAuth creates auth middleware for the given key. The key must
// already be validated by config.ValidateAPIKey.
func newAPIKeyAuth(key string) *apiKeyAuth {
	return &apiKeyAuth{keyHash: sha256.Sum256([]byte(key))}
}

// Validate is a Chi middleware that validates API keys from the
// Authorization header. Expects format: "Authorization: Bearer <api-key>".
func (a *apiKeyAuth) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			slog.WarnContext(r.Context(), "authentication failed: missing Authorization header",
				"path", r.URL.Path,
				"method", r.Method)
			unauthorized(w, "missing Authorization header")
			return
		}

		apiKey, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			slog.WarnContext(r.Context(), "authentication failed: invalid Authorization header format",
				"path", r.URL.Path,
				"method", r.Method)
			unauthorized(w, "invalid Authorization header format, expected: Bearer <token>")
			return
		}

		if !strings.HasPrefix(apiKey, config.APIKeyPrefix) {
			slog.WarnContext(r.Context(), "authentication failed: wrong key prefix",
				"path", r.URL.Path,
				"method", r.Method)
			unauthorized(w, "invalid API key")
			return
		}

		providedHash := sha256.Sum256([]byte(apiKey))
		if subtle.ConstantTimeCompare(providedHash[:], a.keyHash[:]) != 1 {
			slog.WarnContext(r.Context(), "authentication failed: invalid API key",
				"path", r.URL.Path,
				"method", r.Method)
			unauthorized(w, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxBodyBytes creates a middleware that limits request body size.
// Uses a two-phase approach:
//  1. Fast path: check Content-Length header for early rejection
//  2. Slow path: read and verify body (handles chunked encoding and
//     missing headers)
//
// Returns 413 Request Entity Too Large with the standard error format if
// the limit is exceeded.
func maxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Content-Length of -1 means unknown (chunked encoding),
			// so skip the fast path in that case.
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				writePayloadTooLarge(w, r)
				return
			}

			// Content-Length can be missing or spoofed; MaxBytesReader
			// enforces the limit during the actual read.
			body := http.MaxBytesReader(w, r.Body, maxBytes)
			buf, err := io.ReadAll(body)
			if err != nil {
				slog.WarnContext(r.Context(), "Request body size limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"content_length", r.ContentLength,
					"limit", maxBytes,
					"error", err)
				writePayloadTooLarge(w, r)
				return
			}

			// Body is within limit. Replace it so handlers can read it.
			r.Body = io.NopCloser(bytes.NewReader(buf))
			next.ServeHTTP(w, r)
		})
	}
}

func writePayloadTooLarge(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	if _, err := w.Write([]byte(payloadTooLargeJSON)); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write payload too large response", "error", err)
	}
}
