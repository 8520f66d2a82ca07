package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/credcore/internal/config"
	"github.com/dropDatabas3/credcore/internal/observability/logger"
	"github.com/dropDatabas3/credcore/internal/security/envelope"
)

var version = "dev"

func main() {
	// .env si existe; en prod se usan env vars del sistema.
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:   "credcore",
		Short: "Security credential lifecycle core (firmas HMAC, jerarquía KEK/DEK, tokens, sesiones)",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "ruta a config.yaml")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servicio HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Fuerza una rotación de DEK (incident response)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return rotateKeys(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serveCmd, rotateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	for _, p := range []string{"configs/config.yaml", "configs/config.example.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "configs/config.yaml"
}

func rotateKeys(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "credcore", Version: version})
	defer func() { _ = logger.Sync() }()

	store, err := envelope.NewFileRegistryStore(cfg.Encryption.KeysDir)
	if err != nil {
		return err
	}
	mgr, err := envelope.NewManager(envelope.Deps{
		Secret:         cfg.Encryption.OperatorSecret,
		Store:          store,
		RotationPeriod: config.Duration(cfg.Encryption.RotationPeriod),
	})
	if err != nil {
		return err
	}
	kvv, err := mgr.ForceRotate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("rotated: now at v%d (created %s)\n", kvv.Version, kvv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}
