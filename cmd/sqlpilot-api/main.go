package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sqlpilot/sqlpilot/internal/api"
	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/database"
	"github.com/sqlpilot/sqlpilot/internal/export"
	"github.com/sqlpilot/sqlpilot/internal/history"
	historypostgres "github.com/sqlpilot/sqlpilot/internal/history/postgres"
	"github.com/sqlpilot/sqlpilot/internal/nl2sql"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/ratelimit"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/slack"
	s3store "github.com/sqlpilot/sqlpilot/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlpilot-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("sqlpilot-api failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewPrometheusSink(prometheus.DefaultRegisterer, logger)

	targetDB, err := database.Open(ctx, database.Config(cfg.Target))
	if err != nil {
		return fmt.Errorf("open target db: %w", err)
	}
	defer func() { _ = targetDB.Close() }()

	inspector, err := schema.NewInspector(targetDB, cfg.Target.Driver)
	if err != nil {
		return err
	}
	schemaContext := schema.NewCachedProvider(inspector, cfg.Schema.CacheTTL, logger)

	dialect, err := nl2sql.DialectForDriver(cfg.Target.Driver)
	if err != nil {
		return err
	}
	model, err := newLanguageModel(cfg.LLM)
	if err != nil {
		return fmt.Errorf("initialize language model: %w", err)
	}
	pipeline, err := nl2sql.NewPipeline(nl2sql.PipelineConfig{
		Model:          model,
		Schema:         schemaContext,
		Dialect:        dialect,
		Metrics:        metrics,
		Logger:         logger,
		MaxQueryLength: cfg.Conversion.MaxQueryLength,
	})
	if err != nil {
		return err
	}

	naming, err := query.ParseColumnNaming(cfg.Query.ColumnNaming)
	if err != nil {
		return err
	}
	executor, err := query.NewExecutor(query.ExecutorConfig{
		DB:              targetDB,
		Metrics:         metrics,
		Logger:          logger,
		DefaultPageSize: cfg.Query.DefaultPageSize,
		MaxPageSize:     cfg.Query.MaxPageSize,
		ColumnNaming:    naming,
	})
	if err != nil {
		return err
	}

	readiness := []api.ReadinessCheck{api.PingCheck("target database", targetDB.PingContext)}
	deps := api.Dependencies{
		Logger:            logger,
		DependencyTimeout: time.Second,
		Converter:         pipeline,
		Executor:          executor,
		Schema:            inspector,
		SchemaContext:     schemaContext,
		Background:        ctx,
	}

	var recorder *history.Recorder
	if cfg.History.Enabled {
		historyDB, err := database.Open(ctx, database.Config(cfg.History.Database))
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer func(db *sql.DB) { _ = db.Close() }(historyDB)

		store := historypostgres.NewRepository(historyDB)
		recorder = history.NewRecorder(store, metrics, logger)
		deps.History = store
		deps.Recorder = recorder
		readiness = append(readiness, api.PingCheck("history database", historyDB.PingContext))
	} else {
		logger.Info("query history disabled")
	}

	if cfg.Export.Enabled {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return fmt.Errorf("initialize object store: %w", err)
		}
		exporter, err := export.NewService(export.Config{
			Executor: executor,
			Store:    objectStore,
			Metrics:  metrics,
			Logger:   logger,
			MaxRows:  cfg.Export.MaxRows,
			PageSize: cfg.Query.MaxPageSize,
		})
		if err != nil {
			return err
		}
		deps.Exporter = exporter
		readiness = append(readiness, objectStore.Check)
	}

	var slackService *slack.Service
	if cfg.Slack.Enabled {
		slackConfig := slack.Config{
			Converter:         pipeline,
			Executor:          executor,
			Logger:            logger,
			Workers:           cfg.Slack.Workers,
			ResponseURLPrefix: cfg.Slack.ResponseURLPrefix,
		}
		if recorder != nil {
			slackConfig.Recorder = recorder
		}
		slackService, err = slack.NewService(slackConfig)
		if err != nil {
			return err
		}
		deps.Slack = slackService
		if cfg.Slack.SigningSecret == "" {
			logger.Warn("slack signing secret not set; slack requests are not verified")
		}
	}

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			RefillWindow:    cfg.RateLimit.RefillWindow,
			FreeCapacity:    cfg.RateLimit.FreeCapacity,
			BasicCapacity:   cfg.RateLimit.BasicCapacity,
			PremiumCapacity: cfg.RateLimit.PremiumCapacity,
		}, logger)
		deps.RateLimiter = limiter.Middleware
		go limiter.Run(ctx, time.Minute, 10*cfg.RateLimit.RefillWindow)
	}

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return fmt.Errorf("parse static auth keys: %w", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("target_driver", cfg.Target.Driver),
			slog.String("llm_provider", cfg.LLM.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if slackService != nil {
		slackService.Wait()
	}
	return nil
}

func newLanguageModel(cfg config.LLMConfig) (nl2sql.LanguageModel, error) {
	switch cfg.Provider {
	case "ollama":
		return nl2sql.NewOllamaClient(nl2sql.OllamaConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	}
}
