package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/credcore/internal/audit"
	"github.com/dropDatabas3/credcore/internal/config"
	mw "github.com/dropDatabas3/credcore/internal/http/middlewares"
	"github.com/dropDatabas3/credcore/internal/kv"
	"github.com/dropDatabas3/credcore/internal/metrics"
	"github.com/dropDatabas3/credcore/internal/observability/logger"
	"github.com/dropDatabas3/credcore/internal/security/envelope"
	"github.com/dropDatabas3/credcore/internal/session"
	"github.com/dropDatabas3/credcore/internal/signing"
	"github.com/dropDatabas3/credcore/internal/token"
)

func serve(cfg *config.Config) error {
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "credcore", Version: version})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("serve")

	if err := metrics.Register(nil); err != nil {
		return err
	}

	// KeyValueStore compartido, con timeout por operación.
	store, err := kv.New(kv.Config{
		Driver:   cfg.Store.Driver,
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
		DSN:      cfg.Store.Postgres.DSN,
		Prefix:   cfg.Store.Prefix,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backends con expiración lazy (postgres) necesitan el barrido
	// periódico; memory y redis expiran solos y no arrancan nada.
	// Sobre el store crudo: el decorador de timeout no expone Sweep.
	if kv.StartSweeper(ctx, store, 10*time.Minute) {
		log.Info("expired-entry sweeper started")
	}
	store = kv.WithTimeout(store, config.Duration(cfg.Store.Timeout))

	// Audit: logs siempre; mail solo si hay SMTP configurado.
	sinks := audit.Fanout{audit.NewLogSink(nil)}
	if cfg.SMTP.Host != "" && cfg.SMTP.AlertTo != "" {
		sinks = append(sinks, audit.NewMailSink(
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.AlertTo,
			cfg.SMTP.Username, cfg.SMTP.Password,
		))
	}

	signer := signing.NewSigner(signing.Deps{
		Store:    store,
		Audit:    sinks,
		MaxSkew:  config.Duration(cfg.Signing.MaxSkew),
		NonceTTL: config.Duration(cfg.Signing.NonceTTL),
	})

	regStore, err := envelope.NewFileRegistryStore(cfg.Encryption.KeysDir)
	if err != nil {
		return err
	}
	encMgr, err := envelope.NewManager(envelope.Deps{
		Secret:         cfg.Encryption.OperatorSecret,
		Store:          regStore,
		Audit:          sinks,
		RotationPeriod: config.Duration(cfg.Encryption.RotationPeriod),
	})
	if err != nil {
		return err
	}

	tokenMgr, err := token.NewManager(token.Deps{
		Secret:     cfg.Token.Secret,
		Issuer:     cfg.Token.Issuer,
		Store:      store,
		Audit:      sinks,
		AccessTTL:  config.Duration(cfg.Token.AccessTTL),
		RefreshTTL: config.Duration(cfg.Token.RefreshTTL),
	})
	if err != nil {
		return err
	}

	sessMgr, err := session.NewManager(session.Deps{
		Store:            store,
		Audit:            sinks,
		MaxConcurrent:    cfg.Session.MaxConcurrent,
		RotationInterval: config.Duration(cfg.Session.RotationInterval),
		SessionTTL:       config.Duration(cfg.Session.TTL),
	})
	if err != nil {
		return err
	}

	resolve := func(keyID string) (string, bool) {
		s, ok := cfg.Signing.Keys[keyID]
		return s, ok
	}

	r := chi.NewRouter()
	r.Use(mw.WithRecover(), mw.WithRequestLogger())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Endpoints de referencia del ciclo de vida de tokens.
	r.Route("/v1/tokens", func(r chi.Router) {
		r.Post("/", issueHandler(tokenMgr))
		r.Post("/refresh", refreshHandler(tokenMgr))
		r.With(mw.RequireBearer(tokenMgr)).Post("/revoke-all", revokeAllHandler(tokenMgr))
	})

	// Sesiones browser-side.
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(mw.RequireBearer(tokenMgr))
		r.Post("/", createSessionHandler(sessMgr))
		r.Post("/{id}/touch", touchSessionHandler(sessMgr))
		r.Delete("/{id}", invalidateSessionHandler(sessMgr))
	})

	// Superficie firmada machine-to-machine.
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireSignature(signer, resolve))
		r.Get("/v1/signed/ping", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
		r.Get("/v1/signed/encryption/status", encryptionStatusHandler(encMgr))
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- handlers ---

func issueHandler(mgr *token.Manager) http.HandlerFunc {
	type req struct {
		Subject string         `json:"subject"`
		Claims  map[string]any `json:"claims,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Subject == "" {
			http.Error(w, "subject requerido", http.StatusBadRequest)
			return
		}
		pair, err := mgr.Issue(r.Context(), in.Subject, r.UserAgent(), in.Claims)
		if err != nil {
			http.Error(w, "issue failed", http.StatusInternalServerError)
			return
		}
		writePair(w, pair)
	}
}

func refreshHandler(mgr *token.Manager) http.HandlerFunc {
	type req struct {
		RefreshToken string `json:"refresh_token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
			http.Error(w, "refresh_token requerido", http.StatusBadRequest)
			return
		}
		pair, err := mgr.Refresh(r.Context(), in.RefreshToken, r.UserAgent())
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, token.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		writePair(w, pair)
	}
}

func revokeAllHandler(mgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := mw.ClaimsFrom(r.Context())
		if claims == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := mgr.RevokeAll(r.Context(), claims.Subject); err != nil {
			http.Error(w, "revoke failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createSessionHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := mw.ClaimsFrom(r.Context())
		if claims == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := mgr.Create(r.Context(), claims.Subject, nil)
		if err != nil {
			http.Error(w, "create failed", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": id})
	}
}

func touchSessionHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := mgr.Touch(r.Context(), id); err != nil {
			status := http.StatusNotFound
			if errors.Is(err, session.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func invalidateSessionHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := mgr.Invalidate(r.Context(), id); err != nil {
			status := http.StatusNotFound
			if errors.Is(err, session.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func encryptionStatusHandler(mgr *envelope.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions := mgr.Versions()
		out := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			out = append(out, map[string]any{
				"version":    v.Version,
				"status":     v.Status,
				"created_at": v.CreatedAt,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"current_version": mgr.CurrentVersion(),
			"keys":            out,
		})
	}
}

func writePair(w http.ResponseWriter, pair token.Pair) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt.Unix(),
		"refresh_expires_at": pair.RefreshExpiresAt.Unix(),
	})
}
