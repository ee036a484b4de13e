package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"prato.app/ingest/common/id"
	"prato.app/ingest/common/logger"
	"prato.app/ingest/common/otel"
	"prato.app/ingest/core/config"
	"prato.app/ingest/core/db"
	"prato.app/ingest/internal/evidence"
	"prato.app/ingest/internal/http/handler"
	"prato.app/ingest/internal/http/middleware"
	httprouter "prato.app/ingest/internal/http/router"
	"prato.app/ingest/internal/ingest"
	"prato.app/ingest/internal/notify"
	"prato.app/ingest/internal/poller"
	"prato.app/ingest/internal/resolver"
	"prato.app/ingest/internal/state"
	"prato.app/ingest/internal/store"
	"prato.app/ingest/internal/upstream"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// OTel must init before logger (logger uses the OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "ingest starting",
		"env", cfg.Env,
		"webhook_auth_mode", cfg.Webhook.AuthMode(),
		"poller_enabled", cfg.Poller.Enabled,
	)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	notifier, err := notify.New(cfg.Redis.URL, slog.Default())
	if err != nil {
		slog.ErrorContext(ctx, "failed to configure redis", "error", err)
		os.Exit(1)
	}
	if notifier != nil {
		if err := notifier.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()
		slog.InfoContext(ctx, "redis connected")
	} else {
		slog.InfoContext(ctx, "redis disabled (no REDIS_URL configured)")
	}

	stores := store.NewStores(database)
	registry := state.NewRegistry()
	recorder := evidence.NewRecorder(512)
	bindings := resolver.New(stores.Bindings())
	client := upstream.NewClient(cfg.IFood)

	pipeline := ingest.New(ingest.Options{
		Resolver:  bindings,
		Registry:  registry,
		Snapshots: stores.Snapshots(),
		Detail:    client,
		Notifier:  notifier,
		Recorder:  recorder,
	})

	if err := bindings.Refresh(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to load tenant bindings", "error", err)
		os.Exit(1)
	}
	if err := pipeline.Hydrate(ctx, bindings.Bindings()); err != nil {
		// Hydration is an optimization; an empty cache self-heals on the
		// first poll cycle.
		slog.WarnContext(ctx, "snapshot hydration failed", "error", err)
	}

	var poll *poller.Poller
	if cfg.Poller.Enabled {
		poll = poller.New(poller.Options{
			Source:   client,
			Resolver: bindings,
			Ingestor: pipeline,
			Recorder: recorder,
			Interval: cfg.Poller.Interval,
		})
		poll.Start(ctx)
		slog.InfoContext(ctx, "poller started", "interval", cfg.Poller.Interval)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, pipeline, notifier, database, recorder)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	if poll != nil {
		poll.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, pipeline *ingest.Pipeline, notifier *notify.Notifier, database *db.DB, recorder *evidence.Recorder) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates the span, Recovery catches panics, Logger
	// logs with trace context.
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	var cache handler.Pinger
	if notifier != nil {
		cache = notifier
	}

	httprouter.SetupRoutes(router, httprouter.Handlers{
		Webhook:  handler.NewWebhookHandler(cfg.Webhook, pipeline),
		Health:   handler.NewHealthHandler(database, cache, pipeline.Totals(), cfg.Webhook, cfg.Poller),
		Evidence: handler.NewEvidenceHandler(recorder, pipeline.Totals()),
	})

	return router
}
