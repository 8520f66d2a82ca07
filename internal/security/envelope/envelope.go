// Package envelope implementa la jerarquía de claves de dos niveles para
// cifrado de campos sensibles at rest.
//
// Jerarquía:
//
//	secreto de operador + salt persistido --PBKDF2--> KEK (nunca se guarda)
//	KEK --wrap/unwrap--> DEKs versionadas (registry persistido)
//	DEK activa --AES-256-GCM--> payloads "v{N}:{base64(nonce||ct)}"
//
// La KEK se recomputa idéntica en cada restart a partir del mismo secreto;
// solo el salt toca disco. Las DEKs rotan (lazy por edad o forzado) y las
// versiones archivadas quedan disponibles para descifrar payloads viejos.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/credcore/internal/audit"
	"github.com/dropDatabas3/credcore/internal/clock"
	"github.com/dropDatabas3/credcore/internal/metrics"
	"github.com/dropDatabas3/credcore/internal/observability/logger"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	kdfIterations = 600_000
	keyLength     = 32 // AES-256
	nonceSizeGCM  = 12
	algorithm     = "aes-256-gcm"

	// DefaultRotationPeriod edad máxima de la DEK activa antes de rotar lazy.
	DefaultRotationPeriod = 90 * 24 * time.Hour

	versionPrefix = "v"
	versionSep    = ":"
)

// Errores del manager.
var (
	// ErrKeyNotFound: el payload referencia una versión que no está en el
	// registry (ni después de recargarlo). Fatal para ese payload, no para
	// el manager.
	ErrKeyNotFound = errors.New("envelope: key version not found")

	// ErrRegistryCorrupt: el registry persistido no parsea o viola sus
	// invariantes. Fatal en el arranque.
	ErrRegistryCorrupt = errors.New("envelope: registry corrupt")

	// ErrLegacyDecrypt: el payload no tenía prefijo de versión, se asumió
	// formato legacy y la DEK actual no pudo descifrarlo. Puede ser un
	// payload corrupto, no legacy.
	ErrLegacyDecrypt = errors.New("envelope: legacy-format decrypt failed")
)

// Deps dependencias del Manager.
type Deps struct {
	// Secret es el secreto de operador del que se deriva la KEK.
	Secret string
	// Store persiste registry + salt.
	Store RegistryStore
	Audit audit.Sink
	Clock clock.Clock
	// RotationPeriod default 90 días. Se persiste como rotation_days.
	RotationPeriod time.Duration
}

// Manager es el KeyHierarchyManager: dueño exclusivo del registry y de la
// DEK activa.
type Manager struct {
	deps Deps
	kek  []byte

	mu       sync.RWMutex
	registry *Registry

	cacheMu  sync.Mutex
	dekCache map[int][]byte // versión -> DEK desenvuelta

	rotateGroup singleflight.Group
}

// NewManager deriva la KEK y carga (o inicializa) el registry.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Secret == "" {
		return nil, errors.New("envelope: operator secret vacío")
	}
	if deps.Store == nil {
		return nil, errors.New("envelope: RegistryStore requerido")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.RotationPeriod <= 0 {
		deps.RotationPeriod = DefaultRotationPeriod
	}

	salt, err := deps.Store.LoadSalt()
	if err != nil {
		return nil, err
	}
	kek := pbkdf2.Key([]byte(deps.Secret), salt, kdfIterations, keyLength, sha256.New)

	m := &Manager{
		deps:     deps,
		kek:      kek,
		dekCache: make(map[int][]byte),
	}

	reg, err := deps.Store.Load()
	if err != nil {
		return nil, err
	}
	if reg == nil {
		// Primer arranque: crear la v1.
		reg = &Registry{RotationDays: int(deps.RotationPeriod.Hours() / 24)}
		if err := m.appendVersion(reg); err != nil {
			return nil, err
		}
		if err := deps.Store.Save(reg); err != nil {
			return nil, err
		}
	}
	m.registry = reg
	return m, nil
}

// Encrypt cifra plaintext con la DEK activa y retorna "v{N}:{base64}".
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	version, dek, err := m.currentDEK(ctx)
	if err != nil {
		return "", err
	}
	sealed, err := sealGCM(dek, plaintext)
	if err != nil {
		return "", err
	}
	return versionPrefix + strconv.Itoa(version) + versionSep + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt descifra un payload versionado.
// Sin prefijo "v{N}:" se asume formato legacy y se usa la DEK actual; si esa
// vía falla el error tipado es ErrLegacyDecrypt (el payload podría estar
// corrupto en lugar de ser legacy, no adivinamos más allá).
func (m *Manager) Decrypt(ctx context.Context, payload string) ([]byte, error) {
	version, b64, legacy := parsePayload(payload)

	if legacy {
		_, dek, err := m.currentDEK(ctx)
		if err != nil {
			return nil, err
		}
		pt, err := openB64(dek, b64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLegacyDecrypt, err)
		}
		return pt, nil
	}

	dek, err := m.dekForVersion(version)
	if err != nil {
		return nil, err
	}
	return openB64(dek, b64)
}

// Rotate rota si la DEK activa superó RotationPeriod. Retorna la versión
// vigente después del chequeo.
func (m *Manager) Rotate(ctx context.Context) (KeyVersion, error) {
	return m.rotateIfDue(ctx, false)
}

// ForceRotate rota incondicionalmente (incident response).
func (m *Manager) ForceRotate(ctx context.Context) (KeyVersion, error) {
	return m.rotateIfDue(ctx, true)
}

// CurrentVersion retorna la versión activa.
func (m *Manager) CurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.CurrentVersion
}

// Versions retorna una copia de las entradas del registry.
func (m *Manager) Versions() []KeyVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyVersion, len(m.registry.Keys))
	copy(out, m.registry.Keys)
	return out
}

// --- internals ---

// currentDEK retorna (versión, DEK) rotando lazy si corresponde.
// singleflight deduplica rotaciones lazy concurrentes del mismo proceso;
// entre procesos gana el último Save (rename atómico) y el resto converge
// al recargar.
func (m *Manager) currentDEK(ctx context.Context) (int, []byte, error) {
	m.mu.RLock()
	due := m.deps.Clock.Now().Sub(m.registry.LastRotation) > m.deps.RotationPeriod
	m.mu.RUnlock()

	if due {
		if _, err, _ := m.rotateGroup.Do("rotate", func() (any, error) {
			_, err := m.rotateIfDue(ctx, false)
			return nil, err
		}); err != nil {
			return 0, nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.registry.Current()
	if !ok {
		return 0, nil, fmt.Errorf("%w: sin versión activa", ErrRegistryCorrupt)
	}
	dek, err := m.unwrapLocked(cur)
	if err != nil {
		return 0, nil, err
	}
	return cur.Version, dek, nil
}

func (m *Manager) rotateIfDue(ctx context.Context, force bool) (KeyVersion, error) {
	log := logger.From(ctx).With(
		logger.Component("envelope"),
		logger.Op("Rotate"),
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.deps.Clock.Now()
	if !force && now.Sub(m.registry.LastRotation) <= m.deps.RotationPeriod {
		cur, _ := m.registry.Current()
		return cur, nil
	}

	// Nueva DEK, versión siguiente; la anterior pasa a Archived.
	if err := m.appendVersion(m.registry); err != nil {
		return KeyVersion{}, err
	}
	if err := m.deps.Store.Save(m.registry); err != nil {
		return KeyVersion{}, fmt.Errorf("envelope: persist registry: %w", err)
	}

	cur, _ := m.registry.Current()

	trigger := "lazy"
	if force {
		trigger = "forced"
	}
	metrics.DEKRotations.WithLabelValues(trigger).Inc()
	log.Info("DEK rotated", logger.KeyVersion(cur.Version), logger.Reason(trigger))
	m.deps.Audit.Record(ctx, audit.Event{
		Type:     "encryption.key_rotated",
		Severity: severityFor(force),
		At:       now,
		Details: map[string]any{
			"new_version": cur.Version,
			"trigger":     trigger,
		},
	})
	return cur, nil
}

func severityFor(force bool) audit.Severity {
	if force {
		// Una rotación forzada es incident response: alertar.
		return audit.SeverityCritical
	}
	return audit.SeverityInfo
}

// appendVersion genera una DEK nueva, la envuelve con la KEK y la agrega
// como Active (la Active previa queda Archived). Caller debe tener el lock
// (o el registry todavía no publicado).
func (m *Manager) appendVersion(reg *Registry) error {
	dek := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return fmt.Errorf("envelope: generar DEK: %w", err)
	}
	wrapped, err := sealGCM(m.kek, dek)
	if err != nil {
		return fmt.Errorf("envelope: wrap DEK: %w", err)
	}

	now := m.deps.Clock.Now()
	for i := range reg.Keys {
		if reg.Keys[i].Status == StatusActive {
			reg.Keys[i].Status = StatusArchived
		}
	}
	next := reg.CurrentVersion + 1
	reg.Keys = append(reg.Keys, KeyVersion{
		Version:      next,
		EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
		CreatedAt:    now,
		Algorithm:    algorithm,
		Status:       StatusActive,
	})
	reg.CurrentVersion = next
	reg.LastRotation = now

	m.cacheMu.Lock()
	m.dekCache[next] = dek
	m.cacheMu.Unlock()
	return nil
}

// dekForVersion resuelve la DEK de una versión (activa o archivada),
// recargando el registry una vez si la versión no está: otra instancia
// pudo haber rotado después de nuestra última lectura.
func (m *Manager) dekForVersion(version int) ([]byte, error) {
	m.mu.RLock()
	kv, ok := m.registry.Find(version)
	if ok {
		dek, err := m.unwrapLocked(kv)
		m.mu.RUnlock()
		return dek, err
	}
	m.mu.RUnlock()

	// Releer por si un writer concurrente agregó la versión.
	fresh, err := m.deps.Store.Load()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if fresh != nil && fresh.CurrentVersion >= m.registry.CurrentVersion {
		m.registry = fresh
	}
	kv, ok = m.registry.Find(version)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: v%d", ErrKeyNotFound, version)
	}
	dek, err := m.unwrapLocked(kv)
	m.mu.Unlock()
	return dek, err
}

// unwrapLocked desenvuelve (con cache propio) la DEK de una entrada.
// El cache tiene su mutex separado para poder llamarse bajo read-lock
// del registry.
func (m *Manager) unwrapLocked(kv KeyVersion) ([]byte, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if dek, ok := m.dekCache[kv.Version]; ok {
		return dek, nil
	}
	wrapped, err := base64.StdEncoding.DecodeString(kv.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode v%d: %v", ErrRegistryCorrupt, kv.Version, err)
	}
	dek, err := openGCM(m.kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrap DEK v%d: %w", kv.Version, err)
	}
	m.dekCache[kv.Version] = dek
	return dek, nil
}

// parsePayload separa "v{N}:{base64}". legacy=true si no hay prefijo válido.
func parsePayload(payload string) (version int, b64 string, legacy bool) {
	if !strings.HasPrefix(payload, versionPrefix) {
		return 0, payload, true
	}
	rest := payload[len(versionPrefix):]
	idx := strings.Index(rest, versionSep)
	if idx <= 0 {
		return 0, payload, true
	}
	v, err := strconv.Atoi(rest[:idx])
	if err != nil || v <= 0 {
		return 0, payload, true
	}
	return v, rest[idx+1:], false
}

// --- AES-GCM helpers ---

func sealGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce random: %w", err)
	}
	return append(nonce, aesgcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSizeGCM {
		return nil, errors.New("ciphertext demasiado corto")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	pt, err := aesgcm.Open(nil, sealed[:nonceSizeGCM], sealed[nonceSizeGCM:], nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}

func openB64(key []byte, b64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return openGCM(key, sealed)
}
