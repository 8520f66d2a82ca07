package kv_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/credcore/internal/kv"
)

func TestMemory_SetGetDelete(t *testing.T) {
	s := kv.NewMemory("test")
	ctx := context.Background()

	if err := s.Set(ctx, "a", "1", 0); err != nil {
		t.Fatalf("Set err: %v", err)
	}
	v, err := s.Get(ctx, "a")
	if err != nil || v != "1" {
		t.Fatalf("Get = (%q, %v)", v, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !kv.IsNotFound(err) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	s := kv.NewMemory("test")
	ctx := context.Background()

	if err := s.Set(ctx, "x", "1", 30*time.Millisecond); err != nil {
		t.Fatalf("Set err: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := s.Get(ctx, "x"); !kv.IsNotFound(err) {
		t.Fatalf("la key debería haber expirado: %v", err)
	}
}

func TestMemory_SetNXAtomicity(t *testing.T) {
	// N goroutines compiten por la misma key: exactamente una gana.
	s := kv.NewMemory("test")
	ctx := context.Background()

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetNX(ctx, "nonce", "1", time.Minute)
			if err != nil {
				t.Errorf("SetNX err: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("ganadores = %d, want 1", wins)
	}
}

func TestMemory_SetNXAfterExpiry(t *testing.T) {
	s := kv.NewMemory("test")
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "n", "1", 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("primer SetNX = (%v, %v)", ok, err)
	}
	ok, _ = s.SetNX(ctx, "n", "1", time.Minute)
	if ok {
		t.Fatal("SetNX sobre key viva debería perder")
	}

	time.Sleep(60 * time.Millisecond)
	ok, err = s.SetNX(ctx, "n", "2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX post-expiración = (%v, %v)", ok, err)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	if _, err := kv.New(kv.Config{Driver: "cassandra"}); err == nil {
		t.Fatal("driver desconocido debería fallar")
	}
}
