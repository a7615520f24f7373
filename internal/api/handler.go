package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronodesk/chronodesk/internal/config"
	"github.com/chronodesk/chronodesk/internal/observability"
	"github.com/chronodesk/chronodesk/internal/pending"
	"github.com/chronodesk/chronodesk/internal/policy"
	"github.com/chronodesk/chronodesk/internal/runner"
	"github.com/chronodesk/chronodesk/internal/schema"
	"github.com/chronodesk/chronodesk/internal/synth"
)

type ReadinessCheck func(ctx context.Context) error

// Synthesizer produces candidate SQL for a natural language question.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, snap schema.Context) (synth.GeneratedQuery, error)
}

// Validator renders a security verdict over a candidate statement.
type Validator interface {
	Validate(statement string, role policy.Role, callerID, tenantScope string) policy.SecurityVerdict
}

// QueryRunner executes validated statements with phase-specific row caps.
type QueryRunner interface {
	Preview(ctx context.Context, db *sql.DB, statement string) (runner.Result, error)
	Execute(ctx context.Context, db *sql.DB, statement string) (runner.Result, error)
	PreviewStatement(statement string) string
}

// PendingStore parks previewed queries between preview and confirm.
type PendingStore interface {
	Put(entry pending.Entry) (string, time.Time)
	Claim(token, tenantID, userID string) (pending.Entry, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration

	Synthesizer Synthesizer
	Validator   Validator
	Runner      QueryRunner
	Pending     PendingStore

	TenantDB       *sql.DB
	OperatorDB     *sql.DB
	TenantSchema   schema.Provider
	OperatorSchema schema.Provider
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/assist/generate", func(w http.ResponseWriter, r *http.Request) {
		handleGenerate(deps, w, r)
	})
	protected.HandleFunc("POST /v1/assist/preview", func(w http.ResponseWriter, r *http.Request) {
		handlePreview(deps, w, r)
	})
	protected.HandleFunc("POST /v1/assist/confirm", func(w http.ResponseWriter, r *http.Request) {
		handleConfirm(deps, w, r)
	})
	protected.HandleFunc("GET /v1/assist/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/assist/generate", protectedHandler)
	mux.Handle("POST /v1/assist/preview", protectedHandler)
	mux.Handle("POST /v1/assist/confirm", protectedHandler)
	mux.Handle("GET /v1/assist/schema", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckDatabases(tenantDB, operatorDB *sql.DB) ReadinessCheck {
	return func(ctx context.Context) error {
		if tenantDB == nil || operatorDB == nil {
			return errors.New("database connections are not configured")
		}
		if err := tenantDB.PingContext(ctx); err != nil {
			return err
		}
		return operatorDB.PingContext(ctx)
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

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
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
