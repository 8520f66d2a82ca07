package token_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/token"
)

const device = "Mozilla/5.0 test-device"

func newManager(t *testing.T, clk clock.Clock) *token.Manager {
	t.Helper()
	m, err := token.NewManager(token.Deps{
		Secret: "hs256-secret-for-tests",
		Issuer: "credcore-test",
		Store:  kv.NewMemory(t.Name()),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}
	return m
}

func TestIssueVerify(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, map[string]any{"role": "admin"})
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	c, err := m.Verify(ctx, pair.AccessToken, device)
	if err != nil {
		t.Fatalf("Verify err: %v", err)
	}
	if c.Subject != "user-1" || c.Kind != token.KindAccess {
		t.Fatalf("claims inesperadas: %+v", c)
	}
	if c.Custom["role"] != "admin" {
		t.Fatalf("custom claims perdidas: %+v", c.Custom)
	}
}

func TestVerify_Expired(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := newManager(t, clk)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	clk.Advance(16 * time.Minute) // access TTL = 15m
	if _, err := m.Verify(ctx, pair.AccessToken, device); !errors.Is(err, token.ErrTokenExpired) {
		t.Fatalf("access vencido: got %v, want ErrTokenExpired", err)
	}
	// El refresh (7d) sigue vivo.
	if _, err := m.Refresh(ctx, pair.RefreshToken, device); err != nil {
		t.Fatalf("Refresh err: %v", err)
	}
}

func TestRefresh_RotationOnUse(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	next, err := m.Refresh(ctx, pair.RefreshToken, device)
	if err != nil {
		t.Fatalf("primer Refresh err: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("el refresh no rotó")
	}

	// Segundo uso del refresh consumido: reuse detectado.
	if _, err := m.Refresh(ctx, pair.RefreshToken, device); !errors.Is(err, token.ErrTokenReused) {
		t.Fatalf("reuso: got %v, want ErrTokenReused", err)
	}

	// El par nuevo sigue siendo válido.
	if _, err := m.Verify(ctx, next.AccessToken, device); err != nil {
		t.Fatalf("par nuevo inválido: %v", err)
	}
}

func TestRefresh_BindingMismatch(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if _, err := m.Refresh(ctx, pair.RefreshToken, "otro-dispositivo"); !errors.Is(err, token.ErrBindingMismatch) {
		t.Fatalf("binding: got %v, want ErrBindingMismatch", err)
	}
	// El fallo de binding no consumió el token: el dueño legítimo puede seguir.
	if _, err := m.Refresh(ctx, pair.RefreshToken, device); err != nil {
		t.Fatalf("Refresh legítimo post-mismatch err: %v", err)
	}
}

func TestVerify_BindingMismatch(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	// Token robado presentado sin device: el binding no se exime.
	if _, err := m.Verify(ctx, pair.AccessToken, ""); !errors.Is(err, token.ErrBindingMismatch) {
		t.Fatalf("device vacío: got %v, want ErrBindingMismatch", err)
	}
	// Ni con un device distinto.
	if _, err := m.Verify(ctx, pair.AccessToken, "otro-dispositivo"); !errors.Is(err, token.ErrBindingMismatch) {
		t.Fatalf("device ajeno: got %v, want ErrBindingMismatch", err)
	}
	// El dueño legítimo sigue pasando.
	if _, err := m.Verify(ctx, pair.AccessToken, device); err != nil {
		t.Fatalf("device correcto: %v", err)
	}

	// Un token emitido sin device no lleva binding y pasa con cualquiera.
	unbound, err := m.Issue(ctx, "user-2", "", nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if _, err := m.Verify(ctx, unbound.AccessToken, "lo-que-sea"); err != nil {
		t.Fatalf("token sin binding: %v", err)
	}
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if _, err := m.Refresh(ctx, pair.AccessToken, device); !errors.Is(err, token.ErrWrongKind) {
		t.Fatalf("access como refresh: got %v, want ErrWrongKind", err)
	}
}

func TestRevoke(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if err := m.Revoke(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Revoke err: %v", err)
	}
	if _, err := m.Verify(ctx, pair.AccessToken, device); !errors.Is(err, token.ErrTokenReused) {
		t.Fatalf("token revocado: got %v", err)
	}
	// El refresh del par no fue tocado.
	if _, err := m.Refresh(ctx, pair.RefreshToken, device); err != nil {
		t.Fatalf("Refresh err: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := newManager(t, clk)
	ctx := context.Background()

	p1, _ := m.Issue(ctx, "user-1", device, nil)
	p2, _ := m.Issue(ctx, "user-1", device, nil)
	other, _ := m.Issue(ctx, "user-2", device, nil)

	clk.Advance(time.Second)
	if err := m.RevokeAll(ctx, "user-1"); err != nil {
		t.Fatalf("RevokeAll err: %v", err)
	}

	for _, tk := range []string{p1.AccessToken, p2.AccessToken, p1.RefreshToken, p2.RefreshToken} {
		if _, err := m.Verify(ctx, tk, device); !errors.Is(err, token.ErrSubjectRevoked) {
			t.Fatalf("token de subject revocado pasó: %v", err)
		}
	}
	// Otros subjects no se ven afectados.
	if _, err := m.Verify(ctx, other.AccessToken, device); err != nil {
		t.Fatalf("subject ajeno afectado: %v", err)
	}

	// Tokens emitidos después de la revocación vuelven a funcionar.
	clk.Advance(time.Second)
	p3, err := m.Issue(ctx, "user-1", device, nil)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if _, err := m.Verify(ctx, p3.AccessToken, device); err != nil {
		t.Fatalf("token post-revocación rechazado: %v", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	m := newManager(t, nil)
	if _, err := m.Verify(context.Background(), "no.es.jwt", device); !errors.Is(err, token.ErrTokenInvalid) {
		t.Fatalf("basura: got %v, want ErrTokenInvalid", err)
	}
}
