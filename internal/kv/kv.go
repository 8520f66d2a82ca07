// Package kv provee el KeyValueStore compartido que usan los managers de
// credenciales: tracking de nonces, blacklist de tokens, revocaciones y
// sesiones.
//
// Backends:
//   - Memory (in-process, solo para single-process/tests)
//   - Redis (distribuido, para producción)
//   - Postgres (cuando ya hay un PG y no se quiere operar Redis)
//
// SetNX es el primitivo de seguridad: un check-and-set atómico. Los tres
// backends lo implementan de forma genuinamente atómica; una carrera benigna
// acá se convierte directamente en un replay o un token-reuse.
package kv

import (
	"context"
	"fmt"
	"time"
)

// Store define las operaciones del key-value store con TTL.
type Store interface {
	// Get obtiene un valor. Retorna ErrNotFound si no existe o expiró.
	Get(ctx context.Context, key string) (string, error)

	// Set guarda un valor. Si ttl es 0, no expira.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX guarda el valor solo si la key no existe (atómico).
	// Retorna true si la escritura ganó, false si la key ya estaba.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete elimina una key. No es error si no existe.
	Delete(ctx context.Context, key string) error

	// Exists verifica si una key existe y no expiró.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifica la conexión al backend.
	Ping(ctx context.Context) error

	// Close cierra la conexión.
	Close() error
}

// Config configuración para crear un Store.
type Config struct {
	Driver   string // "memory" | "redis" | "postgres"
	Addr     string // redis addr (host:port)
	Password string
	DB       int    // redis DB
	DSN      string // postgres DSN
	Prefix   string // prefijo para todas las keys
}

// Errores del store.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kv: key not found" }

// IsNotFound verifica si el error es porque la key no existe.
func IsNotFound(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

// New crea un Store según la configuración.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedis(cfg)
	case "postgres":
		return NewPostgres(context.Background(), cfg)
	case "memory", "":
		return NewMemory(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("kv: driver desconocido %q", cfg.Driver)
	}
}
