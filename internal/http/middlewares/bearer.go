package middlewares

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dropDatabas3/credcore/internal/token"
)

// TokenVerifier es la única interfaz que el transporte invoca para validar
// bearers. Reemplaza los hooks tipo blacklist-loader de frameworks: el
// middleware la llama explícitamente, sin magia de registro.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenStr, device string) (*token.Claims, error)
}

type claimsCtxKey struct{}

// ClaimsFrom extrae las claims validadas del contexto (nil si no hay).
func ClaimsFrom(ctx context.Context) *token.Claims {
	c, _ := ctx.Value(claimsCtxKey{}).(*token.Claims)
	return c
}

// RequireBearer exige Authorization: Bearer y valida el token contra el
// verifier. El device binding usa el User-Agent del request.
func RequireBearer(verifier TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing_bearer")
				return
			}

			claims, err := verifier.Verify(r.Context(), raw, r.UserAgent())
			if err != nil {
				writeError(w, bearerStatus(err), "unauthorized", bearerReason(err))
				return
			}
			if claims.Kind != token.KindAccess {
				writeError(w, http.StatusUnauthorized, "unauthorized", "wrong_token_kind")
				return
			}

			ctx := context.WithValue(r.Context(), claimsCtxKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func bearerStatus(err error) int {
	// Revocación de subject es 403: la identidad se conoce pero está vetada.
	if errors.Is(err, token.ErrSubjectRevoked) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func bearerReason(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, token.ErrTokenReused):
		return "token_blacklisted"
	case errors.Is(err, token.ErrSubjectRevoked):
		return "subject_revoked"
	case errors.Is(err, token.ErrBindingMismatch):
		return "binding_mismatch"
	case errors.Is(err, token.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "token_invalid"
	}
}
