package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/session"
)

func newManager(t *testing.T, clk clock.Clock) *session.Manager {
	t.Helper()
	m, err := session.NewManager(session.Deps{
		Store: kv.NewMemory(t.Name()),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}
	return m
}

func TestCreateGet(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	id, err := m.Create(ctx, "user-1", map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if rec.SubjectID != "user-1" || rec.Data["theme"] != "dark" {
		t.Fatalf("record inesperado: %+v", rec)
	}
}

func TestConcurrencyCap_EvictsOldest(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := newManager(t, clk)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Create(ctx, "user-1", nil)
		if err != nil {
			t.Fatalf("Create #%d err: %v", i, err)
		}
		ids = append(ids, id)
		clk.Advance(time.Second)
	}

	// Actividad reciente en la más vieja: no la salva, la eviction es
	// FIFO por created_at, no LRU.
	if err := m.Touch(ctx, ids[0]); err != nil {
		t.Fatalf("Touch err: %v", err)
	}

	// Cuarta sesión: cae exactamente la más vieja.
	id4, err := m.Create(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("Create #4 err: %v", err)
	}

	if _, err := m.Get(ctx, ids[0]); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("la más vieja debería estar evictada: %v", err)
	}
	for _, id := range []string{ids[1], ids[2], id4} {
		if _, err := m.Get(ctx, id); err != nil {
			t.Fatalf("sesión %s debería seguir viva: %v", id, err)
		}
	}
}

func TestRotate_PreservesDataInvalidatesOldID(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	id, err := m.Create(ctx, "user-1", map[string]string{"cart": "abc"})
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}

	newID, err := m.Rotate(ctx, id)
	if err != nil {
		t.Fatalf("Rotate err: %v", err)
	}
	if newID == id {
		t.Fatal("Rotate no cambió el id")
	}

	rec, err := m.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get nuevo id err: %v", err)
	}
	if rec.Data["cart"] != "abc" {
		t.Fatalf("data perdida en la rotación: %+v", rec.Data)
	}

	if _, err := m.Get(ctx, id); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("id viejo debería rechazarse: %v", err)
	}
}

func TestGet_AutoRotatesByElapsedTime(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := newManager(t, clk)
	ctx := context.Background()

	id, err := m.Create(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}

	// Touch no resetea el timer de rotación (es elapsed-time, no idle).
	clk.Advance(4 * time.Minute)
	if err := m.Touch(ctx, id); err != nil {
		t.Fatalf("Touch err: %v", err)
	}

	clk.Advance(2 * time.Minute) // 6m > 5m desde la última rotación
	rec, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if rec.SessionID == id {
		t.Fatal("Get debería haber rotado el id")
	}
	if _, err := m.Get(ctx, id); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("id pre-rotación debería rechazarse: %v", err)
	}
}

func TestInvalidateAll_ExceptCurrent(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	id1, _ := m.Create(ctx, "user-1", nil)
	id2, _ := m.Create(ctx, "user-1", nil)
	id3, _ := m.Create(ctx, "user-1", nil)

	if err := m.InvalidateAll(ctx, "user-1", id2); err != nil {
		t.Fatalf("InvalidateAll err: %v", err)
	}

	for _, id := range []string{id1, id3} {
		if _, err := m.Get(ctx, id); !errors.Is(err, session.ErrSessionNotFound) {
			t.Fatalf("sesión %s debería estar invalidada: %v", id, err)
		}
	}
	if _, err := m.Get(ctx, id2); err != nil {
		t.Fatalf("la sesión actual debería sobrevivir: %v", err)
	}
}

func TestInvalidate_Single(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	id, _ := m.Create(ctx, "user-1", nil)
	if err := m.Invalidate(ctx, id); err != nil {
		t.Fatalf("Invalidate err: %v", err)
	}
	if _, err := m.Get(ctx, id); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
	// Invalidar algo inexistente es un not found, no un crash.
	if err := m.Invalidate(ctx, "nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("got %v", err)
	}
}
