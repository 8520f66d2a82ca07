package kv

import (
	"context"
	"time"

	"github.com/dropDatabas3/credcore/internal/metrics"
)

// timeoutStore decora un Store acotando cada llamada con un deadline y
// registrando latencia. Sin esto un backend colgado bloquearía el request
// path; con el deadline la operación falla y el caller decide (los paths
// de seguridad fallan closed).
type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout envuelve un Store con timeout por operación.
func WithTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return s
	}
	return &timeoutStore{inner: s, timeout: timeout}
}

func (s *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func observe(start time.Time) {
	metrics.StoreLatency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}

func (s *timeoutStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	defer observe(time.Now())
	return s.inner.Get(ctx, key)
}

func (s *timeoutStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	defer observe(time.Now())
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *timeoutStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	defer observe(time.Now())
	return s.inner.SetNX(ctx, key, value, ttl)
}

func (s *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	defer observe(time.Now())
	return s.inner.Delete(ctx, key)
}

func (s *timeoutStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	defer observe(time.Now())
	return s.inner.Exists(ctx, key)
}

func (s *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.Ping(ctx)
}

func (s *timeoutStore) Close() error { return s.inner.Close() }
