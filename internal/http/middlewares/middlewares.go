// Package middlewares adapta los managers del core a net/http.
// El core es framework-agnostic: estos middlewares son los únicos que
// conocen headers y status codes, y solo invocan interfaces del core.
package middlewares

import (
	"encoding/json"
	"net/http"
)

// Middleware es la forma estándar de middleware net/http.
type Middleware func(http.Handler) http.Handler

// Chain aplica middlewares en orden (el primero es el más externo).
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// writeError escribe un error JSON con el shape {error, reason}.
func writeError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"reason": reason,
	})
}
