package kv

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore implementa Store sobre go-cache.
// El janitor de go-cache hace el sweep periódico de entradas expiradas,
// y Add() es el check-and-set atómico que necesita SetNX.
// Solo para desarrollo y tests single-process: no es compartido entre instancias.
type memoryStore struct {
	prefix string
	c      *gocache.Cache
}

// NewMemory crea un Store en memoria con sweep de expirados cada minuto.
func NewMemory(prefix string) Store {
	return &memoryStore{
		prefix: prefix,
		c:      gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (s *memoryStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, error) {
	v, ok := s.c.Get(s.key(key))
	if !ok {
		return "", ErrNotFound
	}
	val, _ := v.(string)
	return val, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.c.Set(s.key(key), value, ttlOrDefault(ttl))
	return nil
}

func (s *memoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// gocache.Add es atómico: falla si la key ya existe y no expiró.
	if err := s.c.Add(s.key(key), value, ttlOrDefault(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.c.Delete(s.key(key))
	return nil
}

func (s *memoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.c.Get(s.key(key))
	return ok, nil
}

func (s *memoryStore) Ping(ctx context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }
