// Package api serves the HTTP interface over chi.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/export"
	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/nl2sql"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/ratelimit"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/slack"
	"github.com/sqlpilot/sqlpilot/internal/storage"
)

const maxBodyBytes = 1 << 20

type ReadinessCheck func(ctx context.Context) error

type Converter interface {
	Convert(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error)
}

type Executor interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
}

type SchemaBrowser interface {
	Tables(ctx context.Context) ([]string, error)
	Table(ctx context.Context, name string) (schema.Table, error)
}

type HistoryRecorder interface {
	Record(ctx context.Context, entry history.Entry)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (export.Result, error)
	Open(ctx context.Context, userID string, exportID uuid.UUID) (io.ReadCloser, storage.ObjectInfo, error)
	Delete(ctx context.Context, userID string, exportID uuid.UUID) error
}

type SlackResponder interface {
	Ask(ctx context.Context, text string) slack.Message
	ParseInteraction(raw string) (slack.Interaction, error)
	Submit(ctx context.Context, interaction slack.Interaction)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	RateLimiter       func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Converter         Converter
	Executor          Executor
	Schema            SchemaBrowser
	SchemaContext     nl2sql.SchemaContextProvider
	History           history.Store
	Recorder          HistoryRecorder
	Exporter          Exporter
	Slack             SlackResponder
	// Background bounds work that outlives a request, such as Slack runs.
	Background context.Context
}

type server struct {
	cfg  config.Config
	deps Dependencies
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Background == nil {
		deps.Background = context.Background()
	}
	s := &server{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(observability.TraceMiddleware, observability.MetricsMiddleware)
	if deps.Logger != nil {
		r.Use(observability.LoggingMiddleware(deps.Logger))
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-ID", "X-Trace-ID"},
			ExposedHeaders: []string{ratelimit.HeaderRemaining, ratelimit.HeaderRetryAfter, "X-Trace-ID"},
			MaxAge:         300,
		}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "route not found", false, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", false, nil)
	})

	r.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	r.Get("/v1/ready", s.handleReady)
	r.Method(http.MethodGet, "/v1/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter)
		}
		r.Route("/v1/query", func(r chi.Router) {
			r.Post("/text-to-sql", s.handleTextToSQL)
			r.Post("/execute", s.handleExecute)
			r.Post("/sql", s.handleSQL)
			r.Post("/export", s.handleExport)
			r.Get("/export/{exportID}", s.handleDownloadExport)
			r.Delete("/export/{exportID}", s.handleDeleteExport)
			r.Get("/history", s.handleHistory)
			r.Get("/explain/{queryID}", s.handleExplain)
			r.Get("/recent", s.handleRecent)
			r.Get("/user/{userID}", s.handleUserHistory)
		})
		r.Route("/v1/schema", func(r chi.Router) {
			r.Get("/tables", s.handleSchemaTables)
			r.Get("/table/{tableName}", s.handleSchemaTable)
			r.Get("/context", s.handleSchemaContext)
		})
	})

	// Slack authenticates with request signatures rather than API keys.
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter)
		}
		r.Post("/v1/slack/ask", s.handleSlackAsk)
		r.Post("/v1/slack/interact", s.handleSlackInteract)
	})
	return r
}

func (s *server) authenticate(next http.Handler) http.Handler {
	if !s.cfg.Auth.Required {
		return next
	}
	if s.deps.AuthMiddleware == nil {
		if s.deps.Logger != nil {
			s.deps.Logger.Error("auth required but auth middleware missing")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	}
	return s.deps.AuthMiddleware(next)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	timeout := s.deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.deps.Readiness(ctx); err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// PingCheck adapts a database handle to a readiness check.
func PingCheck(name string, ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%s is not reachable: %w", name, err)
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
