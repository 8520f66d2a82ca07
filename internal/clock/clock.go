// Package clock abstrae time.Now para que los componentes de seguridad
// (skew de firmas, TTLs, rotaciones) sean deterministas en tests.
package clock

import (
	"sync"
	"time"
)

// Clock provee la hora actual.
type Clock interface {
	Now() time.Time
}

// Real usa time.Now directamente.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed es un reloj controlable para tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed crea un reloj fijado en t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set mueve el reloj a t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t.UTC()
}

// Advance avanza el reloj d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}
