package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/keyvault/internal/auth"
	"github.com/org/keyvault/internal/policy"
	"github.com/org/keyvault/internal/replication"
	"github.com/org/keyvault/internal/secret"
	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	cfg        Config
	store      storage.Backend
	secrets    *secret.Store
	policies   *policy.Service
	tokens     *auth.TokenService
	identities *auth.IdentityService
	auditor    AuditLogger
	replicator *replication.Replicator
	httpSrv    *http.Server
	stopGauges chan struct{}
}

// NewServer wires a Server from its collaborators.
func NewServer(cfg Config, store storage.Backend, secrets *secret.Store, policies *policy.Service,
	tokens *auth.TokenService, identities *auth.IdentityService, auditor AuditLogger,
	replicator *replication.Replicator) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		secrets:    secrets,
		policies:   policies,
		tokens:     tokens,
		identities: identities,
		auditor:    auditor,
		replicator: replicator,
		stopGauges: make(chan struct{}),
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(auditMiddleware(s.auditor))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Post("/v1/auth/login", s.LoginHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))

		// Secret data
		r.Post("/v1/secret/data/*", s.SecretCreateHandler)
		r.Put("/v1/secret/data/*", s.SecretUpdateHandler)
		r.Get("/v1/secret/data/*", s.SecretGetHandler)
		r.Delete("/v1/secret/data/*", s.SecretDeleteHandler)
		r.Post("/v1/secret/restore/*", s.SecretRestoreHandler)

		// Secret metadata and history
		// GET /v1/secret/metadata/*?list=true → list; without → version info
		r.Get("/v1/secret/metadata/*", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("list") == "true" {
				s.SecretListHandler(w, r)
			} else {
				s.SecretMetadataHandler(w, r)
			}
		})
		r.Get("/v1/secret/versions/*", s.SecretVersionsHandler)
		r.Get("/v1/secret/paths/*", s.SecretPathsHandler)

		// Token
		r.Get("/v1/auth/token/lookup-self", s.TokenLookupSelfHandler)
		r.Post("/v1/auth/token/revoke", s.TokenRevokeHandler)

		// Policy administration
		r.Post("/v1/sys/policy/{name}", s.PolicyWriteHandler)
		r.Get("/v1/sys/policy/{name}", s.PolicyReadHandler)
		r.Delete("/v1/sys/policy/{name}", s.PolicyDeleteHandler)
		r.Get("/v1/sys/policy", s.PolicyListHandler)

		// Identity administration
		r.Post("/v1/sys/identity", s.IdentityCreateHandler)
		r.Get("/v1/sys/identity/{name}", s.IdentityReadHandler)
		r.Put("/v1/sys/identity/{name}", s.IdentityUpdateHandler)
		r.Delete("/v1/sys/identity/{name}", s.IdentityDeleteHandler)

		// Sys
		r.Get("/v1/sys/replication/status", s.ReplicationStatusHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()
	go s.gaugeLoop()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopGauges)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// gaugeLoop refreshes the secret-count and replication-backlog gauges.
func (s *Server) gaugeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGauges:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := s.store.CountSecrets(ctx); err == nil {
				secretsTotal.Set(float64(n))
			}
			if s.replicator != nil {
				if n, err := s.replicator.Backlog(ctx); err == nil {
					replicationBacklog.Set(float64(n))
				}
			}
			cancel()
		}
	}
}
