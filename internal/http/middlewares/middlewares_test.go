package middlewares_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	mw "github.com/dropDatabas3/credcore/internal/http/middlewares"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/signing"
	"github.com/dropDatabas3/credcore/internal/token"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireSignature(t *testing.T) {
	signer := signing.NewSigner(signing.Deps{Store: kv.NewMemory(t.Name())})
	resolve := func(keyID string) (string, bool) {
		if keyID == "k1" {
			return "s1", true
		}
		return "", false
	}
	h := mw.RequireSignature(signer, resolve)(okHandler())

	t.Run("firma válida pasa", func(t *testing.T) {
		body := `{"v":1}`
		req := httptest.NewRequest(http.MethodPost, "/v1/signed/ping", strings.NewReader(body))
		for k, v := range signer.Sign(signing.SignInput{
			Method: http.MethodPost,
			Path:   "/v1/signed/ping",
			Body:   []byte(body),
			KeyID:  "k1",
			Secret: "s1",
		}) {
			req.Header.Set(k, v)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("sin headers 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/signed/ping", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Contains(t, rr.Body.String(), "missing_signature_headers")
	})

	t.Run("key desconocida 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/signed/ping", nil)
		req.Header.Set(signing.HeaderAPIKey, "nope")
		req.Header.Set(signing.HeaderTimestamp, "1000")
		req.Header.Set(signing.HeaderSignature, "xxx")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Contains(t, rr.Body.String(), "unknown_key")
	})

	t.Run("firma inválida 401 con reason", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/signed/ping", nil)
		headers := signer.Sign(signing.SignInput{
			Method: http.MethodGet,
			Path:   "/v1/signed/ping",
			KeyID:  "k1",
			Secret: "wrong-secret",
		})
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Contains(t, rr.Body.String(), "invalid_signature")
	})
}

func TestRequireBearer(t *testing.T) {
	mgr, err := token.NewManager(token.Deps{
		Secret: "test-secret",
		Store:  kv.NewMemory(t.Name()),
	})
	require.NoError(t, err)

	var gotSubject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := mw.ClaimsFrom(r.Context())
		require.NotNil(t, claims)
		gotSubject = claims.Subject
		w.WriteHeader(http.StatusOK)
	})
	h := mw.RequireBearer(mgr)(inner)

	const ua = "test-agent/1.0"
	pair, err := mgr.Issue(context.Background(), "user-9", ua, nil)
	require.NoError(t, err)

	t.Run("bearer válido pasa y propaga claims", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		req.Header.Set("User-Agent", ua)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "user-9", gotSubject)
	})

	t.Run("sin header 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("refresh token como bearer 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		req.Header.Set("User-Agent", ua)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Contains(t, rr.Body.String(), "wrong_token_kind")
	})

	t.Run("bearer robado sin User-Agent 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Contains(t, rr.Body.String(), "binding_mismatch")
	})

	t.Run("subject revocado 403", func(t *testing.T) {
		require.NoError(t, mgr.RevokeAll(context.Background(), "user-9"))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		req.Header.Set("User-Agent", ua)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusForbidden, rr.Code)
		require.Contains(t, rr.Body.String(), "subject_revoked")
	})
}
