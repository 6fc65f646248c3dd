// Package api is the HTTP surface of the gateway. Handlers only translate
// requests into calls on the session manager, the send service and the
// store.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/outbound"
	"wagate/internal/ratelimit"
	"wagate/internal/session"
)

const maxBodySize = 1 << 20 // 1MB

// Sessions is the part of the session manager the API drives.
type Sessions interface {
	StartSession(id int64) (session.Snapshot, error)
	GetSession(id int64) (session.Snapshot, bool)
	DeleteSession(ctx context.Context, id int64) error
}

type Sender interface {
	Send(ctx context.Context, caller domain.Identity, req outbound.Request) (*outbound.Result, error)
}

type Store interface {
	domain.InstanceStore
	domain.UserStore
	domain.ContactStore
	domain.TemplateStore
	domain.TokenStore
	SetUserQuota(ctx context.Context, id int64, limit int64, freq domain.LimitFrequency) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

type Config struct {
	Host string
	Port int

	Sessions Sessions
	Sender   Sender
	Store    Store
	Audit    domain.AuditLogger
	Pacer    *outbound.Pacer // optional; buckets are dropped with their instance
	Events   *bus.EventBus   // optional; serves /api/events

	// AdminToken authenticates as AdminUserID with the admin role.
	AdminToken  string
	AdminUserID int64
	CORSOrigins []string

	Limiter           ratelimit.Limiter // nil disables request limiting
	RequestsPerMinute int

	MetricsEndpoint string // empty disables /metrics

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.CORSOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptime": metrics.Collector.Uptime().Round(time.Second).String()})
	})
	if s.cfg.MetricsEndpoint != "" {
		r.Get(s.cfg.MetricsEndpoint, metrics.Collector.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Get("/me", s.handleMe)

		r.Get("/instances", s.handleListInstances)
		r.With(adminOnly).Post("/instances", s.handleCreateInstance)
		r.Route("/instances/{id}", func(r chi.Router) {
			r.Use(s.instanceAccess)
			r.Get("/", s.handleGetInstance)
			r.With(adminOnly).Delete("/", s.handleDeleteInstance)
			r.Post("/start", s.handleStartInstance)
			r.Get("/status", s.handleInstanceStatus)
			r.Get("/qr.png", s.handleQRCode)
			r.Post("/logout", s.handleLogoutInstance)
		})

		r.Post("/messages/send", s.handleSend)
		r.Get("/events", s.handleRecentEvents)

		r.Get("/contacts", s.handleListContacts)
		r.Get("/contacts/{phone}", s.handleGetContact)
		r.Put("/contacts/{phone}/suppression", s.handleSetSuppression)
		r.With(adminOnly).Post("/contacts/import", s.handleImportContacts)

		r.Get("/templates", s.handleListTemplates)
		r.With(adminOnly).Put("/templates/{name}", s.handleUpsertTemplate)
		r.With(adminOnly).Delete("/templates/{name}", s.handleDeleteTemplate)

		r.Group(func(r chi.Router) {
			r.Use(adminOnly)
			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{id}/status", s.handleSetUserStatus)
			r.Put("/users/{id}/quota", s.handleSetUserQuota)

			r.Get("/tokens", s.handleListTokens)
			r.Post("/tokens", s.handleCreateToken)
			r.Delete("/tokens/{id}", s.handleRevokeToken)

			r.Get("/audit", s.handleListAudit)
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("API server started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
