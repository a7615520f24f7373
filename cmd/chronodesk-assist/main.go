package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chronodesk/chronodesk/internal/api"
	"github.com/chronodesk/chronodesk/internal/auth"
	"github.com/chronodesk/chronodesk/internal/config"
	"github.com/chronodesk/chronodesk/internal/dbconn"
	"github.com/chronodesk/chronodesk/internal/llm"
	"github.com/chronodesk/chronodesk/internal/observability"
	"github.com/chronodesk/chronodesk/internal/pending"
	"github.com/chronodesk/chronodesk/internal/policy"
	"github.com/chronodesk/chronodesk/internal/runner"
	schemapostgres "github.com/chronodesk/chronodesk/internal/schema/postgres"
	"github.com/chronodesk/chronodesk/internal/synth"
)

const schemaCacheTTL = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("chronodesk-assist")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	tenantDB, err := dbconn.Open(context.Background(), "tenant", cfg.TenantDB)
	if err != nil {
		logger.Error("failed to open tenant db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = tenantDB.Close() }()

	operatorDB, err := dbconn.Open(context.Background(), "operator", cfg.OperatorDB)
	if err != nil {
		logger.Error("failed to open operator db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = operatorDB.Close() }()

	completer, err := llm.NewCompleter(llm.Config{
		Provider:    cfg.AI.Provider,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		BaseURL:     cfg.AI.BaseURL,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize model provider", slog.Any("error", err))
		os.Exit(1)
	}

	policyCfg, err := policy.LoadFile(cfg.Policy.File)
	if err != nil {
		logger.Error("failed to load policy file", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Policy.File == "" {
		// Without a policy file the environment sets the threshold.
		policyCfg.PassThreshold = cfg.Policy.PassThreshold
	}

	pendingStore := pending.NewStore(cfg.Pending.TokenTTL)

	deps := api.Dependencies{
		Logger:      logger,
		Synthesizer: synth.New(completer, cfg.Policy.MaxRowLimit),
		Validator:   policy.NewValidator(policyCfg),
		Runner:      runner.NewExecutor(cfg.Policy.PreviewRowLimit, cfg.Policy.MaxRowLimit),
		Pending:     pendingStore,
		TenantDB:    tenantDB,
		OperatorDB:  operatorDB,
		TenantSchema: schemapostgres.NewIntrospector(
			tenantDB, databaseName(cfg.TenantDB.DSN, "chronodesk_tenant"), schemaCacheTTL),
		OperatorSchema: schemapostgres.NewIntrospector(
			operatorDB, databaseName(cfg.OperatorDB.DSN, "chronodesk_operator"), schemaCacheTTL),
		Readiness:         api.CheckDatabases(tenantDB, operatorDB),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pendingStore.Janitor(ctx, time.Minute)

	go func() {
		logger.Info("starting assist server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("assist server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down assist server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// databaseName extracts the database from a Postgres DSN so schema snapshots
// and tenant-scope checks use the real name.
func databaseName(dsn, fallback string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fallback
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	if name == "" {
		return fallback
	}
	return name
}
