package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config es la configuración del servicio. Se carga desde YAML y los
// secretos se pueden pisar por env (CREDCORE_*) para no dejarlos en el
// archivo.
type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// Store es el KeyValueStore compartido (nonces, blacklist, sesiones).
	Store struct {
		Driver string `yaml:"driver"` // memory | redis | postgres
		Prefix string `yaml:"prefix"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
		// Timeout acota cada llamada al store (fail closed al vencer).
		Timeout string `yaml:"timeout"`
	} `yaml:"store"`

	Signing struct {
		MaxSkew  string `yaml:"max_skew"`  // default 300s
		NonceTTL string `yaml:"nonce_ttl"` // default 600s
		// Keys: key_id -> secret de los callers machine-to-machine.
		// Las SigningKeys son del caller; acá solo se resuelven.
		Keys map[string]string `yaml:"keys"`
	} `yaml:"signing"`

	Encryption struct {
		// OperatorSecret deriva la KEK. Pisable con CREDCORE_OPERATOR_SECRET.
		OperatorSecret string `yaml:"operator_secret"`
		KeysDir        string `yaml:"keys_dir"`
		RotationPeriod string `yaml:"rotation_period"` // default 2160h (90d)
	} `yaml:"encryption"`

	Token struct {
		// Secret firma los JWT. Pisable con CREDCORE_TOKEN_SECRET.
		Secret     string `yaml:"secret"`
		Issuer     string `yaml:"issuer"`
		AccessTTL  string `yaml:"access_ttl"`  // default 15m
		RefreshTTL string `yaml:"refresh_ttl"` // default 168h
	} `yaml:"token"`

	Session struct {
		MaxConcurrent    int    `yaml:"max_concurrent"`    // default 3
		RotationInterval string `yaml:"rotation_interval"` // default 5m
		TTL              string `yaml:"ttl"`               // default 24h
	} `yaml:"session"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		AlertTo  string `yaml:"alert_to"` // destinatario de alertas críticas
	} `yaml:"smtp"`
}

// Load lee el YAML, aplica defaults, pisa secretos por env y valida.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Timeout == "" {
		c.Store.Timeout = "2s"
	}
	if c.Signing.MaxSkew == "" {
		c.Signing.MaxSkew = "300s"
	}
	if c.Signing.NonceTTL == "" {
		c.Signing.NonceTTL = "600s"
	}
	if c.Encryption.KeysDir == "" {
		c.Encryption.KeysDir = "data/keys"
	}
	if c.Encryption.RotationPeriod == "" {
		c.Encryption.RotationPeriod = "2160h" // 90d
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "credcore"
	}
	if c.Token.AccessTTL == "" {
		c.Token.AccessTTL = "15m"
	}
	if c.Token.RefreshTTL == "" {
		c.Token.RefreshTTL = "168h" // 7d
	}
	if c.Session.MaxConcurrent == 0 {
		c.Session.MaxConcurrent = 3
	}
	if c.Session.RotationInterval == "" {
		c.Session.RotationInterval = "5m"
	}
	if c.Session.TTL == "" {
		c.Session.TTL = "24h"
	}

	// env overrides (secretos primero)
	if v := os.Getenv("CREDCORE_OPERATOR_SECRET"); v != "" {
		c.Encryption.OperatorSecret = v
	}
	if v := os.Getenv("CREDCORE_TOKEN_SECRET"); v != "" {
		c.Token.Secret = v
	}
	if v := os.Getenv("CREDCORE_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("CREDCORE_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("CREDCORE_PG_DSN"); v != "" {
		c.Store.Postgres.DSN = v
	}

	// validar duraciones temprano: mejor fallar en el arranque
	for name, s := range map[string]string{
		"store.timeout":              c.Store.Timeout,
		"signing.max_skew":           c.Signing.MaxSkew,
		"signing.nonce_ttl":          c.Signing.NonceTTL,
		"encryption.rotation_period": c.Encryption.RotationPeriod,
		"token.access_ttl":           c.Token.AccessTTL,
		"token.refresh_ttl":          c.Token.RefreshTTL,
		"session.rotation_interval":  c.Session.RotationInterval,
		"session.ttl":                c.Session.TTL,
	} {
		if _, err := time.ParseDuration(strings.TrimSpace(s)); err != nil {
			return nil, fmt.Errorf("config: %s inválido: %w", name, err)
		}
	}

	return &c, nil
}

// Duration parsea una duración ya validada por Load.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(s))
	return d
}
