// Package server is the HTTP surface of the gateway: the AGP endpoints plus
// credential, business, adapter, job, key and auth management.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/agenr-ai/agenr/pkg/audit"
	"github.com/agenr-ai/agenr/pkg/business"
	"github.com/agenr-ai/agenr/pkg/config"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/gateway"
	"github.com/agenr-ai/agenr/pkg/jobs"
	"github.com/agenr-ai/agenr/pkg/log"
	"github.com/agenr-ai/agenr/pkg/oauth"
	"github.com/agenr-ai/agenr/pkg/registry"
	"github.com/agenr-ai/agenr/pkg/telemetry"
	"github.com/agenr-ai/agenr/pkg/vault"
)

const sessionCookie = "agenr_session"

type Server struct {
	cfg        *config.Config
	dao        db.DAO
	registry   *registry.Registry
	vault      *vault.Vault
	refresher  *oauth.Refresher
	auditLog   *audit.Logger
	businesses *business.Store
	svc        *gateway.Service
	policy     *gateway.PolicyGate
	idem       *gateway.IdempotencyCache
	queue      *jobs.Queue
	metrics    *telemetry.Metrics
	limiter    *rateLimiter
	validate   *validator.Validate
	version    string
}

type Deps struct {
	Config     *config.Config
	DAO        db.DAO
	Registry   *registry.Registry
	Vault      *vault.Vault
	Refresher  *oauth.Refresher
	AuditLog   *audit.Logger
	Businesses *business.Store
	Gateway    *gateway.Service
	Queue      *jobs.Queue
	Metrics    *telemetry.Metrics
	Version    string
}

func New(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		dao:        d.DAO,
		registry:   d.Registry,
		vault:      d.Vault,
		refresher:  d.Refresher,
		auditLog:   d.AuditLog,
		businesses: d.Businesses,
		svc:        d.Gateway,
		policy:     gateway.NewPolicyGate(d.Config.ExecutePolicy),
		idem:       gateway.NewIdempotencyCache(d.DAO),
		queue:      d.Queue,
		metrics:    d.Metrics,
		limiter:    newRateLimiter(20, 40),
		validate:   validator.New(),
		version:    d.Version,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Route("/agp", func(r chi.Router) {
			r.With(s.requireScope("agp:read")).Post("/discover", s.handleDiscover)
			r.With(s.requireScope("agp:read")).Post("/query", s.handleQuery)
			r.With(s.requireScope("agp:write")).Post("/execute/prepare", s.handlePrepareExecute)
			r.With(s.requireScope("agp:write")).Post("/execute", s.handleExecute)
			r.Get("/status/{id}", s.handleTransactionStatus)
			r.Get("/businesses", s.handlePublicBusinesses)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/", s.handleStoreCredential)
			r.Delete("/{service}", s.handleDeleteCredential)
		})

		r.Route("/app-credentials", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/{service}", s.handleStoreAppCredential)
			r.Delete("/{service}", s.handleDeleteAppCredential)
		})

		r.Route("/connect", func(r chi.Router) {
			r.Get("/services", s.handleConnectServices)
			r.Get("/{service}", s.handleConnectAuthorize)
			r.Get("/{service}/callback", s.handleConnectCallback)
		})

		r.Route("/businesses", func(r chi.Router) {
			r.Get("/", s.handleListBusinesses)
			r.Post("/", s.handleCreateBusiness)
			r.Get("/{id}", s.handleGetBusiness)
			r.Put("/{id}", s.handleUpdateBusiness)
			r.Delete("/{id}", s.handleDeleteBusiness)
			r.Post("/{id}/connect", s.handleBusinessConnect)
		})

		r.Route("/adapters", func(r chi.Router) {
			r.Get("/", s.handleListAdapters)
			r.Post("/", s.handleUploadAdapter)
			r.Post("/generate", s.handleGenerateAdapter)
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Get("/{id}", s.handleGetJob)
			})
			r.Post("/{platform}/submit", s.handleSubmitAdapter)
			r.Post("/{platform}/withdraw", s.handleWithdrawAdapter)
			r.With(s.requireAdmin).Post("/{platform}/reject", s.handleRejectAdapter)
			r.With(s.requireAdmin).Post("/{platform}/promote", s.handlePromoteAdapter)
			r.With(s.requireAdmin).Post("/{platform}/demote", s.handleDemoteAdapter)
			r.Delete("/{id}", s.handleDeleteAdapter)
			r.With(s.requireAdmin).Post("/{id}/restore", s.handleRestoreAdapter)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Delete("/{id}", s.handleRevokeKey)
		})

		r.With(s.requireAdmin).Get("/audit/verify", s.handleAuditVerify)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Get("/{provider}", s.handleAuthRedirect)
		r.Get("/{provider}/callback", s.handleAuthCallback)
		r.Post("/logout", s.handleLogout)
	})

	return r
}

// Run serves until ctx is canceled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logf("listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"environment": s.cfg.Environment,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	broken, err := s.auditLog.Verify(r.Context())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    broken < 0,
		"brokenAt": broken,
	})
}
