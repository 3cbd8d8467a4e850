// Package main implements the entry point for the entitlement service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/photomarket/entitlements-go/internal/authorizer"
	"github.com/photomarket/entitlements-go/internal/config"
	"github.com/photomarket/entitlements-go/internal/event"
	"github.com/photomarket/entitlements-go/internal/gateway"
	"github.com/photomarket/entitlements-go/internal/ingest"
	"github.com/photomarket/entitlements-go/internal/lookup"
	"github.com/photomarket/entitlements-go/internal/media"
	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/notify"
	"github.com/photomarket/entitlements-go/internal/schema"
	"github.com/photomarket/entitlements-go/internal/server"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/telemetry"
	"github.com/photomarket/entitlements-go/internal/token"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
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

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	if _, err := telemetry.InitTracer(telemetry.ServiceName, version); err != nil {
		return fmt.Errorf("initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	store, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Store,
		RedisURL:    cfg.RedisURL,
		DatabaseDSN: cfg.DatabaseDSN,
		Retention:   cfg.Retention,
	})
	if err != nil {
		return fmt.Errorf("initialize %s storage: %w", cfg.Store, err)
	}
	defer func() {
		if closer, ok := store.(interface{ Close() }); ok {
			closer.Close()
		}
	}()
	if cfg.Store == "memory" {
		logger.Warn("using in-memory entitlement store; records are lost on restart")
	}

	m := metrics.NewMetrics()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewNoop()
	if cfg.NATSURL != "" {
		pub = event.NewPublisher(cfg.NATSURL, m)
	}
	defer pub.Close()

	schemas, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("initialize schema validator: %w", err)
	}

	var verifier gateway.Verifier
	switch cfg.Gateway {
	case "hmac":
		verifier = gateway.NewHMACVerifier(cfg.GatewaySecret, schemas)
	default:
		verifier = gateway.NewStripeVerifier(cfg.GatewaySecret, schemas)
	}

	notifiers := []ingest.Notifier{ingest.NotifierFunc(pub.PublishPurchaseCompleted)}
	if cfg.NotifyURL != "" {
		notifiers = append(notifiers, notify.New(cfg.NotifyURL))
	}
	ing := ingest.NewService(store, verifier,
		ingest.WithNotifiers(notifiers...),
		ingest.WithStoreTimeout(cfg.StoreTimeout),
		ingest.WithMetrics(m))

	seed, err := token.ParseSeed(cfg.TokenSeed)
	if err != nil {
		return err
	}
	if seed == nil {
		logger.Warn("ENT_TOKEN_SEED not set; download tokens will not survive a restart")
	}
	tokens, err := token.NewIssuer(seed, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("initialize token issuer: %w", err)
	}

	deps := server.Deps{
		Store:              store,
		Ingest:             ing,
		Authorizer:         authorizer.New(store, cfg.StoreTimeout, m, server.PublishGrants(pub, 2*time.Second)),
		Lookup:             lookup.NewService(store, tokens, cfg.StoreTimeout, m),
		Tokens:             tokens,
		Metrics:            m,
		DownloadURLTTL:     cfg.DownloadURLTTL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	// File delivery is optional; without a bucket grants carry no URL.
	if cfg.S3Bucket != "" {
		files, err := media.NewS3Client(ctx, media.Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			KeyPrefix: cfg.S3KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("initialize S3 client: %w", err)
		}
		deps.Files = files
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.NewMux(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "store", cfg.Store, "gateway", cfg.Gateway)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
