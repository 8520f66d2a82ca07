package envelope_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/security/envelope"
)

func newManager(t *testing.T, dir string, clk clock.Clock) *envelope.Manager {
	t.Helper()
	store, err := envelope.NewFileRegistryStore(dir)
	if err != nil {
		t.Fatalf("NewFileRegistryStore err: %v", err)
	}
	m, err := envelope.NewManager(envelope.Deps{
		Secret: "operator-secret-for-tests",
		Store:  store,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}
	return m
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	msg := []byte("hola mundo ✓ — secreto")
	ct, err := m.Encrypt(ctx, msg)
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:") {
		t.Fatalf("payload sin prefijo v1: %q", ct)
	}
	pt, err := m.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt err: %v", err)
	}
	if string(pt) != string(msg) {
		t.Fatalf("plaintext mismatch: got %q want %q", pt, msg)
	}
}

func TestDecrypt_SurvivesRotations(t *testing.T) {
	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	ct, err := m.Encrypt(ctx, []byte("pre-rotation"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.ForceRotate(ctx); err != nil {
			t.Fatalf("ForceRotate #%d err: %v", i+1, err)
		}
	}
	if got := m.CurrentVersion(); got != 4 {
		t.Fatalf("CurrentVersion = %d, want 4", got)
	}

	// El ciphertext viejo sigue descifrando con la versión archivada.
	pt, err := m.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt post-rotación err: %v", err)
	}
	if string(pt) != "pre-rotation" {
		t.Fatalf("plaintext mismatch: %q", pt)
	}

	// Y lo nuevo sale con la versión nueva.
	ct2, err := m.Encrypt(ctx, []byte("post"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	if !strings.HasPrefix(ct2, "v4:") {
		t.Fatalf("payload nuevo con versión vieja: %q", ct2)
	}
}

func TestRotate_SingleActiveInvariant(t *testing.T) {
	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	if _, err := m.ForceRotate(ctx); err != nil {
		t.Fatalf("ForceRotate err: %v", err)
	}

	active := 0
	for _, v := range m.Versions() {
		if v.Status == envelope.StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("versiones activas = %d, want 1", active)
	}
}

func TestLazyRotation_ByAge(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(t, t.TempDir(), clk)
	ctx := context.Background()

	if got := m.CurrentVersion(); got != 1 {
		t.Fatalf("CurrentVersion inicial = %d", got)
	}

	// Dentro del período: no rota.
	clk.Advance(89 * 24 * time.Hour)
	if _, err := m.Encrypt(ctx, []byte("x")); err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	if got := m.CurrentVersion(); got != 1 {
		t.Fatalf("rotó antes de tiempo: v%d", got)
	}

	// Pasado el período: el próximo uso rota lazy.
	clk.Advance(2 * 24 * time.Hour)
	ct, err := m.Encrypt(ctx, []byte("y"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	if m.CurrentVersion() != 2 || !strings.HasPrefix(ct, "v2:") {
		t.Fatalf("no rotó lazy: v%d, ct=%q", m.CurrentVersion(), ct)
	}
}

func TestDecrypt_UnknownVersion(t *testing.T) {
	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	ct, err := m.Encrypt(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	bogus := "v99:" + strings.TrimPrefix(ct, "v1:")
	if _, err := m.Decrypt(ctx, bogus); !errors.Is(err, envelope.ErrKeyNotFound) {
		t.Fatalf("versión inexistente: got %v, want ErrKeyNotFound", err)
	}
}

func TestDecrypt_LegacyFormat(t *testing.T) {
	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	// Un payload legacy es el mismo sealed base64 pero sin prefijo.
	ct, err := m.Encrypt(ctx, []byte("legacy data"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	legacy := strings.TrimPrefix(ct, "v1:")

	pt, err := m.Decrypt(ctx, legacy)
	if err != nil {
		t.Fatalf("Decrypt legacy err: %v", err)
	}
	if string(pt) != "legacy data" {
		t.Fatalf("plaintext mismatch: %q", pt)
	}

	// Basura sin prefijo: se asume legacy y falla con el error tipado,
	// no con un genérico.
	if _, err := m.Decrypt(ctx, "bm8gZXMgdW4gY2lwaGVydGV4dA=="); !errors.Is(err, envelope.ErrLegacyDecrypt) {
		t.Fatalf("payload corrupto sin prefijo: got %v, want ErrLegacyDecrypt", err)
	}
}

func TestRestart_SameSecretSameKEK(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m1 := newManager(t, dir, nil)
	ct, err := m1.Encrypt(ctx, []byte("survives restart"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}

	// "Restart": manager nuevo, mismo secreto, mismo dir (salt persistido).
	m2 := newManager(t, dir, nil)
	pt, err := m2.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt post-restart err: %v", err)
	}
	if string(pt) != "survives restart" {
		t.Fatalf("plaintext mismatch: %q", pt)
	}
}

func TestConcurrentWriter_ConvergesOnReload(t *testing.T) {
	// Dos instancias sobre el mismo registry: una rota, la otra tiene que
	// poder descifrar lo que la primera cifró con la versión nueva.
	dir := t.TempDir()
	ctx := context.Background()

	a := newManager(t, dir, nil)
	b := newManager(t, dir, nil)

	if _, err := a.ForceRotate(ctx); err != nil {
		t.Fatalf("ForceRotate err: %v", err)
	}
	ct, err := a.Encrypt(ctx, []byte("from instance a"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}

	pt, err := b.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("instancia b no convergió: %v", err)
	}
	if string(pt) != "from instance a" {
		t.Fatalf("plaintext mismatch: %q", pt)
	}
}
