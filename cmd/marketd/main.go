// cmd/marketd/main.go
// Package main implements the entry point for the marketplace service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/approval"
	"github.com/clipmarket/clipmarket-api-go/internal/auth"
	"github.com/clipmarket/clipmarket-api-go/internal/billing"
	"github.com/clipmarket/clipmarket-api-go/internal/config"
	"github.com/clipmarket/clipmarket-api-go/internal/download"
	"github.com/clipmarket/clipmarket-api-go/internal/entitlement"
	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/lock"
	"github.com/clipmarket/clipmarket-api-go/internal/media"
	"github.com/clipmarket/clipmarket-api-go/internal/metrics"
	"github.com/clipmarket/clipmarket-api-go/internal/server"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	if _, err := telemetry.InitTracer("clipmarket-api", version, nil); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("MKT_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}

	// Object store: S3 wins over Supabase, memory is the dev fallback
	var relocator media.Relocator
	switch {
	case cfg.S3Enabled():
		relocator, err = media.NewS3Relocator(startCtx, media.S3Options{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
		if err != nil {
			logger.Error("failed to initialize S3 relocator", "error", err)
			os.Exit(1)
		}
	case cfg.SupabaseEnabled():
		relocator = media.NewSupabaseRelocator(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	default:
		logger.Warn("no object store configured, using in-memory relocator")
		relocator = media.NewMemoryRelocator(fmt.Sprintf("http://localhost:%s/objects", cfg.Port))
	}

	// Approval lock: Redis when configured so concurrent replicas serialize
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		redisLocker, err := lock.NewRedisLocker(startCtx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	m := metrics.NewMetrics()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL, m)
	defer pub.Close()

	verifier, err := auth.NewVerifier(auth.Options{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		JWKSURL:  cfg.JWKSURL,
		Secret:   cfg.JWTSecret,
	})
	if err != nil {
		logger.Error("failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	catalog := billing.NewCatalog(cfg.StripePricePlans, cfg.TrialDownloadsLimit, cfg.TrialDays)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(server.Options{
		Store:    store,
		Verifier: verifier,
		Workflow: approval.New(store, relocator, locker, pub, m, approval.Options{
			SignedURLTTL: cfg.SignedURLTTL,
		}),
		Entitlements:          entitlement.NewEngine(store, catalog),
		Downloads:             download.NewRecorder(store, pub, m),
		Billing:               billing.NewMapper(store, catalog, pub),
		Relocator:             relocator,
		Metrics:               m,
		StripeWebhookSecret:   cfg.StripeWebhookSecret,
		SignedURLTTL:          cfg.SignedURLTTL,
		DownloadRatePerSecond: cfg.DownloadRatePerSecond,
		DownloadRateBurst:     cfg.DownloadRateBurst,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		TrustedProxies:        cfg.TrustedProxies,
	})

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Approvals move whole video objects
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Close PostgreSQL storage if used
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}

	logger.Info("server exited")
}
