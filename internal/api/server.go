package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/keyway/keyway/internal/audit"
	"github.com/keyway/keyway/internal/authz"
	"github.com/keyway/keyway/internal/crypto"
	"github.com/keyway/keyway/internal/secret"
	syncengine "github.com/keyway/keyway/internal/sync"
	"github.com/keyway/keyway/internal/storage"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
}

// Server is the API server.
type Server struct {
	store     storage.Backend
	resolver  *authz.Resolver
	secrets   *secret.Service
	guard     *syncengine.Guard
	engine    *syncengine.Engine
	auditor   *audit.Logger
	providers map[string]syncengine.Provider
	cfg       Config
	httpSrv   *http.Server
	gaugeStop chan struct{}
}

// NewServer wires a fully constructed Server. The encryption service is built
// by the composition root and injected; provider adapters are registered by
// name.
func NewServer(store storage.Backend, enc crypto.Service, providers map[string]syncengine.Provider, cfg Config) *Server {
	auditor := audit.NewLogger(store)
	resolver := authz.NewResolver(store, store)
	secrets := secret.NewService(store, enc, auditor)
	guard := syncengine.NewGuard(resolver)
	engine := syncengine.NewEngine(guard, secrets, auditor)

	if providers == nil {
		providers = map[string]syncengine.Provider{}
	}
	return &Server{
		store:     store,
		resolver:  resolver,
		secrets:   secrets,
		guard:     guard,
		engine:    engine,
		auditor:   auditor,
		providers: providers,
		cfg:       cfg,
	}
}

// Secrets exposes the lifecycle service (used by the purge subcommand).
func (s *Server) Secrets() *secret.Service {
	return s.secrets
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(logMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	// Unauthenticated surface
	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	// Everything else requires a gateway-forwarded identity.
	r.Group(func(r chi.Router) {
		r.Use(identityMiddleware)

		r.Post("/v1/vaults", s.VaultCreateHandler)
		r.Route("/v1/vaults/{vaultID}", func(r chi.Router) {
			r.Get("/", s.VaultGetHandler)
			r.Delete("/", s.VaultDeleteHandler)
			r.Put("/environments", s.VaultEnvironmentsHandler)
			r.Post("/environments/rename", s.VaultRenameEnvHandler)

			r.Get("/secrets", s.SecretListHandler)
			r.Post("/secrets", s.SecretUpsertHandler)
			r.Get("/secrets/{secretID}/value", s.SecretRevealHandler)
			r.Delete("/secrets/{secretID}", s.SecretTrashHandler)
			r.Post("/secrets/{secretID}/restore", s.SecretRestoreHandler)
			r.Delete("/secrets/{secretID}/permanent", s.SecretDestroyHandler)
			r.Get("/secrets/{secretID}/versions", s.SecretVersionsHandler)
			r.Post("/secrets/{secretID}/versions/{versionID}/restore", s.SecretVersionRestoreHandler)
			r.Delete("/trash", s.TrashEmptyHandler)

			r.Get("/overrides", s.OverrideListHandler)
			r.Post("/overrides", s.OverrideCreateHandler)
			r.Put("/overrides/{overrideID}", s.OverrideUpdateHandler)
			r.Delete("/overrides/{overrideID}", s.OverrideDeleteHandler)

			r.Post("/sync/push", s.SyncPushHandler)
			r.Post("/sync/pull", s.SyncPullHandler)

			r.Get("/audit", s.AuditLogHandler)
		})
	})

	return r
}

// Start begins listening on the configured address and launches the secrets
// gauge refresher.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.gaugeStop = make(chan struct{})
	go s.refreshGauges()

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// refreshGauges keeps the secrets gauge roughly current.
func (s *Server) refreshGauges() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.gaugeStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			active, trashed, err := s.store.CountSecrets(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("refreshing secrets gauge failed")
				continue
			}
			secretsTotal.WithLabelValues("active").Set(float64(active))
			secretsTotal.WithLabelValues("trashed").Set(float64(trashed))
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.gaugeStop != nil {
		close(s.gaugeStop)
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// HealthHandler handles GET /v1/sys/health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
