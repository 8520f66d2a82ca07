// Package audit define el AuditSink que consumen los managers de credenciales.
//
// Contrato: Record nunca falla hacia el caller. El audit logging es
// bookkeeping, no decisión de seguridad: si el sink no puede escribir,
// loguea localmente y el request sigue (fail open). Las decisiones de
// seguridad (verify de firmas/tokens/sesiones) fallan closed por su lado.
package audit

import (
	"context"
	"time"
)

// Severity clasifica la gravedad de un evento.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event es un evento de auditoría.
type Event struct {
	Type     string         `json:"event_type"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink recibe eventos de auditoría.
type Sink interface {
	// Record registra un evento. No retorna error: implementaciones
	// deben degradar a log local ante fallas.
	Record(ctx context.Context, e Event)
}

// Nop descarta todos los eventos.
type Nop struct{}

func (Nop) Record(ctx context.Context, e Event) {}

// Fanout replica cada evento en varios sinks.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, e Event) {
	for _, s := range f {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}
