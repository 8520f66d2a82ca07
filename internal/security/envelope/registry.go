package envelope

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// KeyStatus estado de una versión de DEK.
type KeyStatus string

const (
	StatusActive   KeyStatus = "active"
	StatusArchived KeyStatus = "archived"
)

// KeyVersion es una entrada del registry de DEKs.
// EncryptedKey es la DEK envuelta con la KEK (base64 de nonce||ciphertext).
type KeyVersion struct {
	Version      int       `json:"version"`
	EncryptedKey string    `json:"encrypted_key"`
	CreatedAt    time.Time `json:"created_at"`
	Algorithm    string    `json:"algorithm"`
	Status       KeyStatus `json:"status"`
}

// Registry es el registro versionado de DEKs que se persiste.
// Invariantes: exactamente una entrada Active; versiones monótonas crecientes;
// las Archived se retienen para poder descifrar payloads viejos.
type Registry struct {
	Keys           []KeyVersion `json:"keys"`
	CurrentVersion int          `json:"current_version"`
	RotationDays   int          `json:"rotation_days"`
	LastRotation   time.Time    `json:"last_rotation"`
}

// Find busca una versión (activa o archivada).
func (r *Registry) Find(version int) (KeyVersion, bool) {
	for _, k := range r.Keys {
		if k.Version == version {
			return k, true
		}
	}
	return KeyVersion{}, false
}

// Current retorna la entrada Active.
func (r *Registry) Current() (KeyVersion, bool) {
	return r.Find(r.CurrentVersion)
}

// RegistryStore persiste el registry y el salt de la KEK.
type RegistryStore interface {
	// LoadSalt retorna el salt persistido, creándolo (random) si no existe.
	LoadSalt() ([]byte, error)

	// Load lee el registry. Retorna (nil, nil) si todavía no existe.
	Load() (*Registry, error)

	// Save persiste el registry de forma atómica: un lector concurrente
	// jamás observa un estado intermedio.
	Save(r *Registry) error
}

// FileRegistryStore guarda registry.json y kek.salt en un directorio.
// Garantías (mismo esquema que el keystore de signing keys):
//   - Escritura atómica: write tmp → fsync → rename
//   - Si dos procesos rotan a la vez gana el último rename; todos los
//     replicas convergen en la próxima lectura.
type FileRegistryStore struct {
	dir string
}

const (
	registryFile = "registry.json"
	saltFile     = "kek.salt"
	saltSize     = 16
)

// NewFileRegistryStore crea el store asegurando el directorio.
func NewFileRegistryStore(dir string) (*FileRegistryStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("envelope: create keys dir: %w", err)
	}
	return &FileRegistryStore{dir: dir}, nil
}

func (s *FileRegistryStore) LoadSalt() ([]byte, error) {
	path := filepath.Join(s.dir, saltFile)
	if b, err := os.ReadFile(path); err == nil {
		if len(b) != saltSize {
			return nil, fmt.Errorf("envelope: salt corrupto: %d bytes", len(b))
		}
		return b, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: generar salt: %w", err)
	}
	if err := atomicWrite(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

func (s *FileRegistryStore) Load() (*Registry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, registryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("envelope: read registry: %w", err)
	}
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	if _, ok := r.Current(); !ok {
		return nil, fmt.Errorf("%w: current_version %d sin entrada", ErrRegistryCorrupt, r.CurrentVersion)
	}
	return &r, nil
}

func (s *FileRegistryStore) Save(r *Registry) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("envelope: marshal registry: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, registryFile), data, 0600)
}

// atomicWrite: write tmp → fsync → close → chmod → rename.
// El fallback remove+rename cubre Windows con destino bloqueado.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	_ = os.Chmod(tmpPath, perm)

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}
