// Package signing implementa la autenticación de requests machine-to-machine
// via HMAC-SHA256 sobre un canonical string, con ventana de skew y prevención
// de replay por nonce.
//
// Headers del contrato:
//
//	X-API-Key       key_id del caller
//	X-API-Timestamp unix seconds (string decimal)
//	X-API-Signature base64(HMAC-SHA256(canonical, secret))
//	X-API-Nonce     opcional, opaco, single-use
//
// Canonical string (bit-exacto):
//
//	"{METHOD}\n{PATH}\n{TIMESTAMP}\n{SHA256HEX(body o bytes vacíos)}"
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/credcore/internal/audit"
	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/metrics"
	"github.com/dropDatabas3/credcore/internal/observability/logger"
	tokens "github.com/dropDatabas3/credcore/internal/security/token"
	"go.uber.org/zap"
)

// Headers de requests firmados.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-API-Timestamp"
	HeaderSignature = "X-API-Signature"
	HeaderNonce     = "X-API-Nonce"
)

// Defaults.
const (
	DefaultMaxSkew  = 300 * time.Second
	DefaultNonceTTL = 600 * time.Second
)

// Errores de verificación.
var (
	ErrTimestampInvalid = fmt.Errorf("signing: timestamp outside allowed skew")
	ErrReplayDetected   = fmt.Errorf("signing: nonce already used")
	ErrInvalidSignature = fmt.Errorf("signing: signature mismatch")
	ErrStoreUnavailable = fmt.Errorf("signing: nonce store unavailable")
)

// Deps contiene las dependencias del Signer.
type Deps struct {
	Store kv.Store   // tracking de nonces (compartido entre instancias)
	Audit audit.Sink // eventos de aceptación/rechazo
	Clock clock.Clock

	MaxSkew  time.Duration // default 300s
	NonceTTL time.Duration // default 600s
}

// Signer firma y verifica request envelopes.
type Signer struct {
	deps Deps
}

// NewSigner crea un Signer aplicando defaults.
func NewSigner(deps Deps) *Signer {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.MaxSkew <= 0 {
		deps.MaxSkew = DefaultMaxSkew
	}
	if deps.NonceTTL <= 0 {
		deps.NonceTTL = DefaultNonceTTL
	}
	return &Signer{deps: deps}
}

// SignInput parámetros para firmar un request.
type SignInput struct {
	Method string
	Path   string
	Body   []byte // nil => se hashea el byte string vacío
	KeyID  string
	Secret string
	// Timestamp cero => Clock.Now().
	Timestamp time.Time
	// Nonce opcional; si está, se incluye en los headers resultantes.
	Nonce string
}

// Sign construye los headers firmados para un request.
func (s *Signer) Sign(in SignInput) map[string]string {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.deps.Clock.Now()
	}
	tsStr := strconv.FormatInt(ts.Unix(), 10)

	h := map[string]string{
		HeaderAPIKey:    in.KeyID,
		HeaderTimestamp: tsStr,
		HeaderSignature: computeSignature(in.Method, in.Path, tsStr, in.Body, in.Secret),
	}
	if in.Nonce != "" {
		h[HeaderNonce] = in.Nonce
	}
	return h
}

// VerifyInput parámetros para verificar un request firmado.
type VerifyInput struct {
	Method    string
	Path      string
	Body      []byte
	KeyID     string
	Secret    string // resuelto por el caller a partir del KeyID
	Timestamp string // valor crudo de X-API-Timestamp
	Signature string
	Nonce     string // opcional
}

// Verify valida un request firmado.
//
// Orden de chequeos (el orden importa: el timestamp corta antes de tocar
// el store, y el nonce se consume antes de computar HMAC para que dos
// requests concurrentes con el mismo nonce no pasen los dos):
//  1. |now - timestamp| <= MaxSkew, si no ErrTimestampInvalid.
//  2. nonce (si hay): SetNX atómico en el store; perdedor => ErrReplayDetected.
//  3. HMAC recomputado y comparado en tiempo constante => ErrInvalidSignature.
//
// Todo rechazo y toda aceptación emiten un evento de auditoría.
func (s *Signer) Verify(ctx context.Context, in VerifyInput) error {
	log := logger.From(ctx).With(
		logger.Component("signing"),
		logger.Op("Verify"),
		logger.KeyID(in.KeyID),
	)

	tsUnix, err := strconv.ParseInt(strings.TrimSpace(in.Timestamp), 10, 64)
	if err != nil {
		s.reject(ctx, log, in, "timestamp_malformed")
		return ErrTimestampInvalid
	}

	now := s.deps.Clock.Now()
	// Sub satura en overflow, así que un timestamp absurdo (cerca de los
	// extremos de int64) cae fuera de la ventana por uno de los dos lados
	// en lugar de darle la vuelta.
	diff := now.Sub(time.Unix(tsUnix, 0))
	if diff > s.deps.MaxSkew || diff < -s.deps.MaxSkew {
		s.reject(ctx, log, in, "timestamp_invalid")
		return ErrTimestampInvalid
	}

	if in.Nonce != "" {
		nonceKey := fmt.Sprintf("nonce:%s:%s", in.KeyID, in.Nonce)
		ok, err := s.deps.Store.SetNX(ctx, nonceKey, "1", s.deps.NonceTTL)
		if err != nil {
			// Fail closed: sin store no podemos garantizar single-use.
			log.Error("nonce store unavailable", logger.Err(err))
			s.reject(ctx, log, in, "store_unavailable")
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !ok {
			s.reject(ctx, log, in, "replay_detected")
			return ErrReplayDetected
		}
	}

	expected := computeSignature(in.Method, in.Path, strings.TrimSpace(in.Timestamp), in.Body, in.Secret)
	if !hmac.Equal([]byte(expected), []byte(in.Signature)) {
		s.reject(ctx, log, in, "invalid_signature")
		return ErrInvalidSignature
	}

	metrics.VerifyTotal.WithLabelValues("signing", "ok").Inc()
	s.deps.Audit.Record(ctx, audit.Event{
		Type:     "request.signature_verified",
		Severity: audit.SeverityInfo,
		At:       now,
		Details: map[string]any{
			"key_id": in.KeyID,
			"method": in.Method,
			"path":   in.Path,
		},
	})
	return nil
}

// CanonicalString arma el string canónico bit-exacto que se firma.
func CanonicalString(method, path, timestamp string, body []byte) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + tokens.SHA256Hex(body)
}

func computeSignature(method, path, timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(method, path, timestamp, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) reject(ctx context.Context, log *zap.Logger, in VerifyInput, reason string) {
	metrics.VerifyTotal.WithLabelValues("signing", reason).Inc()
	log.Warn("signed request rejected", logger.Reason(reason), logger.Method(in.Method), logger.Path(in.Path))
	s.deps.Audit.Record(ctx, audit.Event{
		Type:     "request.signature_rejected",
		Severity: audit.SeverityWarning,
		At:       s.deps.Clock.Now(),
		Details: map[string]any{
			"key_id": in.KeyID,
			"method": in.Method,
			"path":   in.Path,
			"reason": reason,
		},
	})
}
