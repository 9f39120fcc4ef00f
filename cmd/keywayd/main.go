package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keyway/keyway/internal/api"
	"github.com/keyway/keyway/internal/crypto"
	"github.com/keyway/keyway/internal/purge"
	"github.com/keyway/keyway/internal/secret"
	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`
	MasterKey     string `yaml:"master_key"` // base64; prefer KEYWAY_MASTER_KEY
	KeyVersion    int    `yaml:"key_version"`
	PurgeSchedule string `yaml:"purge_schedule"` // cron spec; empty disables the in-process sweeper
}

var cfgFile string

func loadConfig() config {
	cfg := config{
		ListenAddr:    ":8333",
		MigrationsDir: "migrations",
		LogLevel:      "info",
		KeyVersion:    1,
		PurgeSchedule: "@hourly",
	}
	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("KEYWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("KEYWAY_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	return cfg
}

func openBackend(ctx context.Context, cfg config) *storage.PostgresBackend {
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	return store
}

func buildKeyring(cfg config) *crypto.Keyring {
	if cfg.MasterKey == "" {
		log.Fatal().Msg("master_key must be configured (or KEYWAY_MASTER_KEY env var)")
	}
	masterKey, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("master key is not valid base64")
	}
	keyring, err := crypto.NewKeyring(masterKey, cfg.KeyVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build keyring")
	}
	return keyring
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Keyway API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := context.Background()

			store := openBackend(ctx, cfg)
			defer store.Close()

			if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
			log.Info().Msg("migrations applied")

			srv := api.NewServer(store, buildKeyring(cfg), nil, api.Config{
				ListenAddr:  cfg.ListenAddr,
				TLSCertFile: cfg.TLSCertFile,
				TLSKeyFile:  cfg.TLSKeyFile,
			})

			var sweeper *purge.Sweeper
			if cfg.PurgeSchedule != "" {
				sweeper = purge.NewSweeper(srv.Secrets(), cfg.PurgeSchedule)
				sweeper.OnPurge(api.ObservePurge)
				if err := sweeper.Start(); err != nil {
					log.Fatal().Err(err).Msg("failed to start purge sweeper")
				}
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				if err := srv.Start(); err != nil {
					log.Fatal().Err(err).Msg("server failed")
				}
			}()

			log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
			<-quit

			log.Info().Msg("shutting down...")
			if sweeper != nil {
				sweeper.Stop()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown error")
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one trash purge sweep and exit (for external cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := context.Background()

			store := openBackend(ctx, cfg)
			defer store.Close()

			secrets := secret.NewService(store, buildKeyring(cfg), noopAuditor{})
			count, err := secrets.PurgeExpiredTrash(ctx)
			if err != nil {
				return fmt.Errorf("purge sweep: %w", err)
			}
			log.Info().Int64("purged", count).Msg("purge sweep completed")
			return nil
		},
	}
}

// noopAuditor satisfies the lifecycle service for the one-shot purge, which
// never touches individual secrets.
type noopAuditor struct{}

func (noopAuditor) Record(ctx context.Context, entry *models.AuditEntry) {}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := &cobra.Command{
		Use:   "keywayd",
		Short: "Keyway secrets service",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to config file")
	rootCmd.AddCommand(serveCmd(), migrateCmd(), purgeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
