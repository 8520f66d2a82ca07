package middlewares

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/dropDatabas3/credcore/internal/signing"
)

// SecretResolver resuelve el secret de una API key. Retorna ok=false si la
// key no existe (el dueño de las SigningKeys es el caller, no el core).
type SecretResolver func(keyID string) (secret string, ok bool)

// maxSignedBodyBytes acota cuánto body se bufferea para hashear.
const maxSignedBodyBytes = 1 << 20 // 1 MiB

// RequireSignature exige los headers X-API-* y verifica la firma HMAC del
// request antes de pasar al handler. Rechazos mapean a 401 con el reason
// tipado; el status es responsabilidad de esta capa, no del core.
func RequireSignature(signer *signing.Signer, resolve SecretResolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID := r.Header.Get(signing.HeaderAPIKey)
			ts := r.Header.Get(signing.HeaderTimestamp)
			sig := r.Header.Get(signing.HeaderSignature)
			if keyID == "" || ts == "" || sig == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing_signature_headers")
				return
			}

			secret, ok := resolve(keyID)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "unknown_key")
				return
			}

			// Bufferear el body para hashear y reponerlo para el handler.
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
			if err != nil || len(body) > maxSignedBodyBytes {
				writeError(w, http.StatusBadRequest, "bad_request", "body_too_large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = signer.Verify(r.Context(), signing.VerifyInput{
				Method:    r.Method,
				Path:      r.URL.Path,
				Body:      body,
				KeyID:     keyID,
				Secret:    secret,
				Timestamp: ts,
				Signature: sig,
				Nonce:     r.Header.Get(signing.HeaderNonce),
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", signingReason(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func signingReason(err error) string {
	switch {
	case errors.Is(err, signing.ErrTimestampInvalid):
		return "timestamp_invalid"
	case errors.Is(err, signing.ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, signing.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "store_unavailable"
	}
}
