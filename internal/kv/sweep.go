package kv

import (
	"context"
	"time"

	"github.com/dropDatabas3/credcore/internal/observability/logger"
)

// Sweeper lo implementan los backends cuya expiración es lazy (postgres):
// las entradas vencidas no desaparecen solas y hay que barrerlas.
// Memory y redis expiran nativamente y no lo implementan.
type Sweeper interface {
	// Sweep borra entradas expiradas. Idempotente y seguro en paralelo
	// desde varias instancias.
	Sweep(ctx context.Context) (deleted int64, err error)
}

// StartSweeper lanza un barrido periódico en background si el backend lo
// soporta; retorna false si no. Llamar con el Store crudo, antes de
// decorarlo: los wrappers no exponen Sweep. El loop termina al cancelarse ctx.
func StartSweeper(ctx context.Context, s Store, interval time.Duration) bool {
	sw, ok := s.(Sweeper)
	if !ok {
		return false
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		log := logger.Named("kv.sweep")
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := sw.Sweep(ctx)
				if err != nil {
					log.Warn("sweep failed", logger.Err(err))
					continue
				}
				if n > 0 {
					log.Debug("expired entries swept", logger.Int("deleted", int(n)))
				}
			}
		}
	}()
	return true
}
