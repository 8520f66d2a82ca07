// Package token implementa el ciclo de vida de bearer tokens: emisión de
// pares access/refresh, rotación-on-use, revocación individual y por
// subject, y verificación.
//
// La rotación-on-use es el mecanismo de detección: cada refresh consume el
// token usado (blacklist atómico con TTL = vida restante). Un segundo uso
// del mismo refresh token es, por construcción, o un replay o un robo, y
// se audita como tal.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dropDatabas3/credcore/internal/audit"
	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/metrics"
	"github.com/dropDatabas3/credcore/internal/observability/logger"
	tokens "github.com/dropDatabas3/credcore/internal/security/token"
	"github.com/google/uuid"
	"go.uber.org/zap"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Kinds de token.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Defaults.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Errores del ciclo de vida.
var (
	ErrTokenInvalid     = fmt.Errorf("token: invalid or malformed token")
	ErrTokenExpired     = fmt.Errorf("token: expired")
	ErrTokenReused      = fmt.Errorf("token: already consumed or revoked (possible replay)")
	ErrSubjectRevoked   = fmt.Errorf("token: subject revoked")
	ErrBindingMismatch  = fmt.Errorf("token: device fingerprint mismatch")
	ErrWrongKind        = fmt.Errorf("token: wrong token kind for this operation")
	ErrStoreUnavailable = fmt.Errorf("token: blacklist store unavailable")
)

// Deps dependencias del Manager.
type Deps struct {
	// Secret firma los JWT (HS256).
	Secret string
	// Issuer va en el claim iss.
	Issuer string
	// Store guarda blacklist y revocaciones (compartido entre instancias).
	Store kv.Store
	Audit audit.Sink
	Clock clock.Clock

	AccessTTL  time.Duration // default 15m
	RefreshTTL time.Duration // default 7d
}

// Manager es el TokenLifecycleManager.
type Manager struct {
	deps   Deps
	parser *jwtv5.Parser
}

// NewManager crea un Manager aplicando defaults.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Secret == "" {
		return nil, errors.New("token: signing secret vacío")
	}
	if deps.Store == nil {
		return nil, errors.New("token: kv.Store requerido")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.AccessTTL <= 0 {
		deps.AccessTTL = DefaultAccessTTL
	}
	if deps.RefreshTTL <= 0 {
		deps.RefreshTTL = DefaultRefreshTTL
	}
	clk := deps.Clock
	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithTimeFunc(func() time.Time { return clk.Now() }),
	)
	return &Manager{deps: deps, parser: parser}, nil
}

// Pair es un par access/refresh recién emitido.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Claims es la vista decodificada de un token verificado.
type Claims struct {
	Subject     string
	TokenID     string
	Kind        string
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Custom      map[string]any
}

// Issue emite un par access/refresh para subject, atado al fingerprint
// del device string dado.
func (m *Manager) Issue(ctx context.Context, subject, device string, custom map[string]any) (Pair, error) {
	now := m.deps.Clock.Now()
	fph := tokens.DeviceFingerprint(device)

	access, accessExp, err := m.sign(subject, KindAccess, fph, now, m.deps.AccessTTL, custom)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := m.sign(subject, KindRefresh, fph, now, m.deps.RefreshTTL, nil)
	if err != nil {
		return Pair{}, err
	}

	metrics.TokensIssued.WithLabelValues(KindAccess).Inc()
	metrics.TokensIssued.WithLabelValues(KindRefresh).Inc()
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "token.issued",
		Severity: audit.SeverityInfo,
		At:       now,
		Details:  map[string]any{"subject": subject},
	})
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh consume un refresh token y emite un par nuevo.
//
// El consumo es un SetNX contra la blacklist compartida: de dos requests
// concurrentes con el mismo token exactamente uno gana. El perdedor (y
// cualquier uso posterior) recibe ErrTokenReused y dispara un evento
// crítico: un refresh usado dos veces es señal de robo.
func (m *Manager) Refresh(ctx context.Context, refreshToken, device string) (Pair, error) {
	log := logger.From(ctx).With(
		logger.Component("token"),
		logger.Op("Refresh"),
	)

	c, err := m.decode(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	if c.Kind != KindRefresh {
		return Pair{}, ErrWrongKind
	}

	// 1. ¿Ya consumido/revocado?
	blKey := blacklistKey(c.TokenID)
	exists, err := m.deps.Store.Exists(ctx, blKey)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if exists {
		m.flagReuse(ctx, log, c)
		return Pair{}, ErrTokenReused
	}

	// 2. Binding de dispositivo.
	if c.Fingerprint != tokens.DeviceFingerprint(device) {
		metrics.VerifyTotal.WithLabelValues("token", "binding_mismatch").Inc()
		m.deps.Audit.Record(ctx, audit.Event{
			Type:     "token.binding_mismatch",
			Severity: audit.SeverityWarning,
			At:       m.deps.Clock.Now(),
			Details:  map[string]any{"subject": c.Subject, "token_id": c.TokenID},
		})
		return Pair{}, ErrBindingMismatch
	}

	// 3. Revocación por subject.
	if err := m.checkSubjectRevoked(ctx, c); err != nil {
		return Pair{}, err
	}

	// 4. Consumir: check-and-set atómico. TTL = vida restante del token,
	// después de eso expira solo y la entry no hace falta más.
	remaining := c.ExpiresAt.Sub(m.deps.Clock.Now())
	if remaining <= 0 {
		return Pair{}, ErrTokenExpired
	}
	won, err := m.deps.Store.SetNX(ctx, blKey, "rotated", remaining)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !won {
		// Perdimos la carrera contra otro refresh del mismo token.
		m.flagReuse(ctx, log, c)
		return Pair{}, ErrTokenReused
	}

	pair, err := m.Issue(ctx, c.Subject, device, nil)
	if err != nil {
		return Pair{}, err
	}
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "token.refreshed",
		Severity: audit.SeverityInfo,
		At:       m.deps.Clock.Now(),
		Details:  map[string]any{"subject": c.Subject, "rotated_token_id": c.TokenID},
	})
	return pair, nil
}

// Revoke blacklistea un token individual con TTL = vida restante.
func (m *Manager) Revoke(ctx context.Context, tokenStr string) error {
	c, err := m.decode(tokenStr)
	if err != nil {
		return err
	}
	remaining := c.ExpiresAt.Sub(m.deps.Clock.Now())
	if remaining <= 0 {
		return nil // ya expirado, nada que revocar
	}
	if err := m.deps.Store.Set(ctx, blacklistKey(c.TokenID), "revoked", remaining); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "token.revoked",
		Severity: audit.SeverityInfo,
		At:       m.deps.Clock.Now(),
		Details:  map[string]any{"subject": c.Subject, "token_id": c.TokenID},
	})
	return nil
}

// RevokeAll invalida todos los tokens del subject sin enumerarlos:
// cualquier token emitido antes de ahora falla el verify hasta que el
// marcador expire (TTL = RefreshTTL, la vida máxima posible de un token
// vigente).
func (m *Manager) RevokeAll(ctx context.Context, subject string) error {
	now := m.deps.Clock.Now()
	until := now.Add(m.deps.RefreshTTL)
	err := m.deps.Store.Set(ctx, revokedSubjectKey(subject),
		strconv.FormatInt(now.Unix(), 10), m.deps.RefreshTTL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "token.subject_revoked",
		Severity: audit.SeverityCritical,
		At:       now,
		Details:  map[string]any{"subject": subject, "revoked_until": until.Unix()},
	})
	return nil
}

// Verify valida un token: firma/exp, blacklist, revocación por subject y
// binding de dispositivo. Cualquier error del store falla closed.
func (m *Manager) Verify(ctx context.Context, tokenStr, device string) (*Claims, error) {
	c, err := m.decode(tokenStr)
	if err != nil {
		metrics.VerifyTotal.WithLabelValues("token", "invalid").Inc()
		return nil, err
	}

	exists, err := m.deps.Store.Exists(ctx, blacklistKey(c.TokenID))
	if err != nil {
		metrics.VerifyTotal.WithLabelValues("token", "store_unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if exists {
		metrics.VerifyTotal.WithLabelValues("token", "blacklisted").Inc()
		return nil, ErrTokenReused
	}

	if err := m.checkSubjectRevoked(ctx, c); err != nil {
		metrics.VerifyTotal.WithLabelValues("token", "subject_revoked").Inc()
		return nil, err
	}

	// Un token atado a un device exige el mismo fingerprint siempre: un
	// request sin device no exime el binding (omitir el User-Agent no
	// puede ser una vía de escape para un token robado).
	if c.Fingerprint != "" && c.Fingerprint != tokens.DeviceFingerprint(device) {
		metrics.VerifyTotal.WithLabelValues("token", "binding_mismatch").Inc()
		return nil, ErrBindingMismatch
	}

	metrics.VerifyTotal.WithLabelValues("token", "ok").Inc()
	return c, nil
}

// --- internals ---

func blacklistKey(tokenID string) string      { return "blacklist:" + tokenID }
func revokedSubjectKey(subject string) string { return "revoked:" + subject }

// checkSubjectRevoked: el token cae si el subject fue revocado después de
// su emisión (revoked_at >= iat).
func (m *Manager) checkSubjectRevoked(ctx context.Context, c *Claims) error {
	val, err := m.deps.Store.Get(ctx, revokedSubjectKey(c.Subject))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	revokedAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Marcador ilegible: fail closed.
		return ErrSubjectRevoked
	}
	if revokedAt >= c.IssuedAt.Unix() {
		return ErrSubjectRevoked
	}
	return nil
}

func (m *Manager) sign(subject, kind, fph string, now time.Time, ttl time.Duration, custom map[string]any) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := jwtv5.MapClaims{
		"iss":  m.deps.Issuer,
		"sub":  subject,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  exp.Unix(),
		"jti":  uuid.NewString(),
		"kind": kind,
		"fph":  fph,
	}
	if custom != nil {
		claims["custom"] = custom
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	tk.Header["typ"] = "JWT"
	signed, err := tk.SignedString([]byte(m.deps.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, exp, nil
}

func (m *Manager) decode(tokenStr string) (*Claims, error) {
	tk, err := m.parser.Parse(tokenStr, func(t *jwtv5.Token) (any, error) {
		return []byte(m.deps.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	mc, ok := tk.Claims.(jwtv5.MapClaims)
	if !ok || !tk.Valid {
		return nil, ErrTokenInvalid
	}

	c := &Claims{}
	c.Subject, _ = mc["sub"].(string)
	c.TokenID, _ = mc["jti"].(string)
	c.Kind, _ = mc["kind"].(string)
	c.Fingerprint, _ = mc["fph"].(string)
	if v, ok := mc["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := mc["custom"].(map[string]any); ok {
		c.Custom = v
	}
	if c.Subject == "" || c.TokenID == "" {
		return nil, ErrTokenInvalid
	}
	return c, nil
}

func (m *Manager) flagReuse(ctx context.Context, log *zap.Logger, c *Claims) {
	metrics.VerifyTotal.WithLabelValues("token", "reuse_detected").Inc()
	log.Warn("refresh token reuse detected",
		logger.Subject(c.Subject),
		logger.TokenID(c.TokenID),
	)
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "token.reuse_detected",
		Severity: audit.SeverityCritical,
		At:       m.deps.Clock.Now(),
		Details:  map[string]any{"subject": c.Subject, "token_id": c.TokenID},
	})
}
