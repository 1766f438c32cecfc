// Package api exposes the rules engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"practice-rules-engine/internal/audit"
	"practice-rules-engine/internal/common/config"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/consent"
	"practice-rules-engine/internal/models"
	"practice-rules-engine/internal/notifications"
)

// ActorHeader carries the authenticated caller id set by the gateway.
const ActorHeader = "X-Actor-ID"

type EventSubmitter interface {
	Submit(ctx context.Context, e models.Event) (string, error)
}

type NotificationService interface {
	List(ctx context.Context, recipientID string, f notifications.Filter) ([]models.Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, id, recipientID string) error
	MarkAllRead(ctx context.Context, recipientID string) (int64, time.Time, error)
}

type ConsentChecker interface {
	Check(ctx context.Context, req consent.CheckRequest) consent.Result
}

type ConsentRecorder interface {
	Record(ctx context.Context, req consent.RecordRequest) (*models.ConsentRecord, error)
	ListSubjects(ctx context.Context, f consent.AdminFilter) ([]models.SubjectConsents, error)
}

type AuditReader interface {
	List(ctx context.Context, q audit.Query) ([]models.AuditEntry, error)
}

type AuditSearcher interface {
	Search(ctx context.Context, q audit.Query) ([]models.AuditEntry, int64, error)
}

type RegistryAdmin interface {
	SaveTemplate(ctx context.Context, tmpl models.Template) error
	SaveTrigger(ctx context.Context, def models.TriggerDefinition) error
	DisableTrigger(ctx context.Context, id string) error
	EnableTrigger(ctx context.Context, id string) error
	GetTrigger(ctx context.Context, id string) (*models.TriggerDefinition, error)
	ListTriggers(ctx context.Context) ([]models.TriggerDefinition, error)
}

// ReadyCheck reports whether one backing service is reachable.
type ReadyCheck func(ctx context.Context) error

// Config wires the server. AuditSearch is optional; without it audit
// queries always read Postgres.
type Config struct {
	Server        config.ServerConfig
	Events        EventSubmitter
	Notifications NotificationService
	Consent       ConsentChecker
	Consents      ConsentRecorder
	Audit         AuditReader
	AuditSearch   AuditSearcher
	Registry      RegistryAdmin
	Ready         map[string]ReadyCheck
	Logger        logger.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	router     *chi.Mux
	httpServer *http.Server
	logger     logger.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithFields(map[string]interface{}{"component": "api"}),
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.requestTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.Server.RequestTimeout > 0 {
		return config.GetDuration(s.cfg.Server.RequestTimeout)
	}
	return 30 * time.Second
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout()))
	if origins := s.cfg.Server.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleSubmitEvent)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Get("/unread-count", s.handleUnreadCount)
			r.Put("/mark-all-read", s.handleMarkAllRead)
			r.Put("/{id}/read", s.handleMarkRead)
		})

		r.Route("/consent", func(r chi.Router) {
			r.Post("/", s.handleRecordConsent)
			r.Post("/check", s.handleCheckConsent)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/consents", s.handleListConsents)
			r.Get("/audit", s.handleListAudit)
			r.Post("/templates", s.handleSaveTemplate)
			r.Get("/triggers", s.handleListTriggers)
			r.Post("/triggers", s.handleSaveTrigger)
			r.Get("/triggers/{id}", s.handleGetTrigger)
			r.Put("/triggers/{id}/enable", s.handleEnableTrigger)
			r.Delete("/triggers/{id}", s.handleDisableTrigger)
		})
	})

	s.router = r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{"address": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"duration":  time.Since(start).String(),
			"requestId": middleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.cfg.Ready))
	status := http.StatusOK
	for name, check := range s.cfg.Ready {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	respondJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": checks})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
