package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar para que los logs sean consistentes entre componentes.
// Usar siempre estos helpers en lugar de zap.String a mano.

// Component identifica el componente emisor (ej: "signing", "envelope").
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op identifica la operación (ej: "Verify", "Rotate").
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer identifica la capa ("service", "store", "http").
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Reason es el motivo tipado de un rechazo.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// Subject es el subject dueño de la credencial.
func Subject(v string) zap.Field {
	return zap.String("subject", v)
}

// KeyID identifica una signing key o API key.
func KeyID(v string) zap.Field {
	return zap.String("key_id", v)
}

// TokenID es el jti de un token.
func TokenID(v string) zap.Field {
	return zap.String("token_id", v)
}

// SessionID identifica una sesión server-side.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

// KeyVersion es la versión de una DEK.
func KeyVersion(v int) zap.Field {
	return zap.Int("key_version", v)
}

// RequestID es el ID del request HTTP.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method es el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path es el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status es el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration es la duración de una operación.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}

// Err crea un campo de error (nil-safe).
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Any crea un campo genérico. Preferir los helpers tipados.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
