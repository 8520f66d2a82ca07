package audit

import (
	"context"

	"github.com/dropDatabas3/credcore/internal/observability/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink escribe eventos como logs estructurados via zap.
// Es el sink por defecto: siempre disponible, nunca bloquea el request path.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink crea un LogSink. Si l es nil usa el singleton.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = logger.Named("audit")
	}
	return &LogSink{log: l}
}

func (s *LogSink) Record(ctx context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event_type", e.Type),
		zap.String("severity", string(e.Severity)),
	}
	if !e.At.IsZero() {
		fields = append(fields, zap.Time("at", e.At))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}

	var lvl zapcore.Level
	switch e.Severity {
	case SeverityCritical:
		lvl = zapcore.ErrorLevel
	case SeverityWarning:
		lvl = zapcore.WarnLevel
	default:
		lvl = zapcore.InfoLevel
	}
	s.log.Log(lvl, "audit event", fields...)
}
