package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore implementa Store sobre Postgres, para deployments que ya tienen
// un PG compartido y no quieren operar Redis. La expiración es lazy (los
// reads filtran por expires_at) más un Sweep idempotente que puede correr
// redundantemente desde varias instancias.
type pgStore struct {
	pool   *pgxpool.Pool
	prefix string
}

var _ Sweeper = (*pgStore)(nil)

const pgSchema = `
CREATE TABLE IF NOT EXISTS credcore_kv (
    k          TEXT PRIMARY KEY,
    v          TEXT NOT NULL,
    expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS credcore_kv_expires_idx ON credcore_kv (expires_at);
`

// NewPostgres crea un Store Postgres y asegura el schema.
func NewPostgres(ctx context.Context, cfg Config) (Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("kv: pgxpool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(pctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: ensure schema: %w", err)
	}

	return &pgStore{pool: pool, prefix: cfg.Prefix}, nil
}

func (s *pgStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

func (s *pgStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT v FROM credcore_kv WHERE k = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.key(key)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *pgStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credcore_kv (k, v, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, expires_at = EXCLUDED.expires_at`,
		s.key(key), value, expiry(ttl))
	return err
}

func (s *pgStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// Borrar primero una entrada expirada para que el insert pueda ganar;
	// el ON CONFLICT DO NOTHING hace el check-and-set atómico real.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM credcore_kv WHERE k = $1 AND expires_at IS NOT NULL AND expires_at <= now()`,
		s.key(key)); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO credcore_kv (k, v, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (k) DO NOTHING`,
		s.key(key), value, expiry(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credcore_kv WHERE k = $1`, s.key(key))
	return err
}

func (s *pgStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM credcore_kv WHERE k = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.key(key)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Sweep borra entradas expiradas. Idempotente: es seguro correrlo en
// paralelo desde varias instancias.
func (s *pgStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM credcore_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
