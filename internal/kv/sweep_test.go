package kv_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/credcore/internal/kv"
)

// sweepSpy envuelve el store de memoria agregando un Sweep contable.
type sweepSpy struct {
	kv.Store
	calls int64
}

func (s *sweepSpy) Sweep(ctx context.Context) (int64, error) {
	atomic.AddInt64(&s.calls, 1)
	return 1, nil
}

func TestStartSweeper_RunsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spy := &sweepSpy{Store: kv.NewMemory("test")}
	if !kv.StartSweeper(ctx, spy, 10*time.Millisecond) {
		t.Fatal("backend con Sweep debería arrancar el sweeper")
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&spy.calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("el sweeper nunca barrió")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartSweeper_BackendWithoutSweep(t *testing.T) {
	// Memory expira nativamente: no hay nada que barrer ni que arrancar.
	if kv.StartSweeper(context.Background(), kv.NewMemory("test"), time.Minute) {
		t.Fatal("memory no implementa Sweep")
	}
}
