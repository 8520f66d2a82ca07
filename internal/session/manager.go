// Package session implementa sesiones server-side con cap de concurrencia
// por subject y rotación periódica del identificador.
//
// Los records viven en el KeyValueStore compartido bajo "session:{id}", y
// un índice por subject ("sessions:{subject}") mantiene el set de sesiones
// vivas. La eviction al superar el cap es FIFO estricto por created_at:
// independiente de la actividad reciente, la sesión más vieja cae primero.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dropDatabas3/credcore/internal/audit"
	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/metrics"
	"github.com/dropDatabas3/credcore/internal/observability/logger"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultMaxConcurrent    = 3
	DefaultRotationInterval = 5 * time.Minute
	DefaultSessionTTL       = 24 * time.Hour
)

// Errores.
var (
	ErrSessionNotFound  = fmt.Errorf("session: not found or invalidated")
	ErrStoreUnavailable = fmt.Errorf("session: store unavailable")
)

// Record es una sesión persistida.
type Record struct {
	SessionID      string            `json:"session_id"`
	SubjectID      string            `json:"subject_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	LastRotation   time.Time         `json:"last_rotation"`
	Data           map[string]string `json:"data,omitempty"`
}

// indexEntry es una entrada del índice por subject. Lleva created_at para
// poder evictar FIFO sin cargar cada record.
//
// El índice se actualiza read-modify-write sin CAS: dos Create concurrentes
// del mismo subject en instancias distintas pueden pisarse una entrada y
// exceder el cap transitoriamente. Los records tienen TTL así que el desvío
// se corrige solo; el check-and-set atómico del store se reserva para nonces
// y consumo de refresh tokens, donde una carrera sí es un agujero.
type indexEntry struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Deps dependencias del Manager.
type Deps struct {
	Store kv.Store
	Audit audit.Sink
	Clock clock.Clock

	// MaxConcurrent sesiones vivas por subject (default 3).
	MaxConcurrent int
	// RotationInterval edad máxima del session id antes de rotarlo en el
	// próximo acceso (default 5m). Es elapsed-time, no idle-time: touch no
	// lo resetea.
	RotationInterval time.Duration
	// SessionTTL vida total de la sesión en el store (default 24h).
	SessionTTL time.Duration
}

// Manager es el SessionLifecycleManager.
type Manager struct {
	deps Deps
}

// NewManager crea un Manager aplicando defaults.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session: kv.Store requerido")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = DefaultMaxConcurrent
	}
	if deps.RotationInterval <= 0 {
		deps.RotationInterval = DefaultRotationInterval
	}
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = DefaultSessionTTL
	}
	return &Manager{deps: deps}, nil
}

// Create abre una sesión nueva para subject y evicta las más viejas si el
// subject superó el cap.
func (m *Manager) Create(ctx context.Context, subject string, data map[string]string) (string, error) {
	now := m.deps.Clock.Now()
	rec := &Record{
		SessionID:      uuid.NewString(),
		SubjectID:      subject,
		CreatedAt:      now,
		LastActivityAt: now,
		LastRotation:   now,
		Data:           data,
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return "", err
	}

	idx, err := m.loadIndex(ctx, subject)
	if err != nil {
		return "", err
	}
	idx = append(idx, indexEntry{SessionID: rec.SessionID, CreatedAt: now})

	// FIFO estricto: ordenar por created_at y evictar las que sobran.
	sort.Slice(idx, func(i, j int) bool { return idx[i].CreatedAt.Before(idx[j].CreatedAt) })
	for len(idx) > m.deps.MaxConcurrent {
		oldest := idx[0]
		idx = idx[1:]
		if err := m.deps.Store.Delete(ctx, recordKey(oldest.SessionID)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		metrics.SessionEvictions.Inc()
		m.deps.Audit.Record(ctx, audit.Event{
			Type:     "session.evicted",
			Severity: audit.SeverityInfo,
			At:       now,
			Details:  map[string]any{"subject": subject, "session_id": oldest.SessionID},
		})
	}
	if err := m.saveIndex(ctx, subject, idx); err != nil {
		return "", err
	}

	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "session.created",
		Severity: audit.SeverityInfo,
		At:       now,
		Details:  map[string]any{"subject": subject, "session_id": rec.SessionID},
	})
	return rec.SessionID, nil
}

// Get resuelve una sesión por id. Si el id superó RotationInterval desde su
// última rotación, la sesión se re-keyea transparentemente: el record vuelve
// con un SessionID nuevo y el id viejo queda inválido. El caller debe usar
// siempre rec.SessionID de acá en adelante.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := m.getRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.deps.Clock.Now().Sub(rec.LastRotation) > m.deps.RotationInterval {
		newID, err := m.Rotate(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return m.getRecord(ctx, newID)
	}
	return rec, nil
}

// Touch actualiza last_activity_at. No toca el timer de rotación.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	rec, err := m.getRecord(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.LastActivityAt = m.deps.Clock.Now()
	return m.putRecord(ctx, rec)
}

// Rotate copia la sesión bajo un id nuevo e invalida el viejo.
func (m *Manager) Rotate(ctx context.Context, sessionID string) (string, error) {
	rec, err := m.getRecord(ctx, sessionID)
	if err != nil {
		return "", err
	}
	now := m.deps.Clock.Now()
	oldID := rec.SessionID
	rec.SessionID = uuid.NewString()
	rec.LastRotation = now

	if err := m.putRecord(ctx, rec); err != nil {
		return "", err
	}
	if err := m.deps.Store.Delete(ctx, recordKey(oldID)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := m.replaceInIndex(ctx, rec.SubjectID, oldID, rec.SessionID, rec.CreatedAt); err != nil {
		return "", err
	}

	logger.From(ctx).Debug("session rotated",
		logger.Component("session"),
		logger.SessionID(rec.SessionID),
		logger.Subject(rec.SubjectID),
	)
	return rec.SessionID, nil
}

// Invalidate elimina una sesión.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	rec, err := m.getRecord(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.deps.Store.Delete(ctx, recordKey(sessionID)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := m.removeFromIndex(ctx, rec.SubjectID, sessionID); err != nil {
		return err
	}
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "session.invalidated",
		Severity: audit.SeverityInfo,
		At:       m.deps.Clock.Now(),
		Details:  map[string]any{"subject": rec.SubjectID, "session_id": sessionID},
	})
	return nil
}

// InvalidateAll elimina todas las sesiones del subject, opcionalmente
// preservando la actual (logout de "todos los otros dispositivos").
func (m *Manager) InvalidateAll(ctx context.Context, subject, exceptCurrent string) error {
	idx, err := m.loadIndex(ctx, subject)
	if err != nil {
		return err
	}
	var kept []indexEntry
	for _, e := range idx {
		if e.SessionID == exceptCurrent {
			kept = append(kept, e)
			continue
		}
		if err := m.deps.Store.Delete(ctx, recordKey(e.SessionID)); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if err := m.saveIndex(ctx, subject, kept); err != nil {
		return err
	}
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "session.invalidate_all",
		Severity: audit.SeverityWarning,
		At:       m.deps.Clock.Now(),
		Details:  map[string]any{"subject": subject, "kept": exceptCurrent != ""},
	})
	return nil
}

// --- internals ---

func recordKey(id string) string     { return "session:" + id }
func indexKey(subject string) string { return "sessions:" + subject }

func (m *Manager) getRecord(ctx context.Context, id string) (*Record, error) {
	raw, err := m.deps.Store.Get(ctx, recordKey(id))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("session: record corrupto: %w", err)
	}
	return &rec, nil
}

func (m *Manager) putRecord(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: marshal record: %w", err)
	}
	if err := m.deps.Store.Set(ctx, recordKey(rec.SessionID), string(raw), m.deps.SessionTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (m *Manager) loadIndex(ctx context.Context, subject string) ([]indexEntry, error) {
	raw, err := m.deps.Store.Get(ctx, indexKey(subject))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var idx []indexEntry
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		// Índice ilegible: arrancar de cero es seguro, los records tienen TTL.
		return nil, nil
	}
	return idx, nil
}

func (m *Manager) saveIndex(ctx context.Context, subject string, idx []indexEntry) error {
	if len(idx) == 0 {
		if err := m.deps.Store.Delete(ctx, indexKey(subject)); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("session: marshal index: %w", err)
	}
	if err := m.deps.Store.Set(ctx, indexKey(subject), string(raw), m.deps.SessionTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (m *Manager) replaceInIndex(ctx context.Context, subject, oldID, newID string, createdAt time.Time) error {
	idx, err := m.loadIndex(ctx, subject)
	if err != nil {
		return err
	}
	for i := range idx {
		if idx[i].SessionID == oldID {
			idx[i].SessionID = newID
			idx[i].CreatedAt = createdAt
			return m.saveIndex(ctx, subject, idx)
		}
	}
	idx = append(idx, indexEntry{SessionID: newID, CreatedAt: createdAt})
	return m.saveIndex(ctx, subject, idx)
}

func (m *Manager) removeFromIndex(ctx context.Context, subject, id string) error {
	idx, err := m.loadIndex(ctx, subject)
	if err != nil {
		return err
	}
	out := idx[:0]
	for _, e := range idx {
		if e.SessionID != id {
			out = append(out, e)
		}
	}
	return m.saveIndex(ctx, subject, out)
}
