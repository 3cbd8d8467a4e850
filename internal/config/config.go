// Package config provides configuration loading and management for the entitlement service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override already-set variables, so the OS environment
// always wins over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the entitlement service.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Entitlement store
	Store        string        // memory, redis or postgres
	RedisURL     string        // Redis connection URL
	DatabaseDSN  string        // PostgreSQL connection string
	StoreTimeout time.Duration // Bound on every store call
	Retention    time.Duration // Store-level record expiry, 0 disables

	NATSURL   string // NATS server URL, empty disables event streaming
	NotifyURL string // Notification service URL, empty disables notifications

	// File storage
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // Bucket holding the original files, empty disables URL delivery
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	S3KeyPrefix string // Object key prefix for product files

	// Payment gateway
	Gateway       string // stripe or hmac
	GatewaySecret string // Webhook signing secret

	// Download tokens
	TokenSeed      string        // Base64 Ed25519 seed, empty generates a per-process key
	TokenIssuer    string        // iss claim
	TokenTTL       time.Duration // Lifetime of download tokens
	DownloadURLTTL time.Duration // Lifetime of presigned file URLs

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultEnv            = "dev"
	defaultStore          = "memory"
	defaultS3Region       = "us-east-1"
	defaultGateway        = "stripe"
	defaultTokenIssuer    = "entitlements-service"
	defaultTokenTTL       = time.Hour
	defaultDownloadURLTTL = 5 * time.Minute
	defaultStoreTimeout   = 3 * time.Second
	defaultRetention      = 30 * 24 * time.Hour
)

// Load reads environment variables and produces a Config.
// It only fails on values that are present but unparseable; requirements that
// only the HTTP server has are checked by Validate, so the CLI can share Load.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("ENT_ENV", defaultEnv),
		Port:          getEnv("ENT_PORT", defaultPort),
		Store:         strings.ToLower(getEnv("ENT_STORE", defaultStore)),
		RedisURL:      os.Getenv("ENT_REDIS_URL"),
		DatabaseDSN:   os.Getenv("ENT_DB_DSN"),
		NATSURL:       os.Getenv("ENT_NATS_URL"),
		NotifyURL:     os.Getenv("ENT_NOTIFY_URL"),
		S3Endpoint:    os.Getenv("ENT_S3_ENDPOINT"),
		S3Region:      getEnv("ENT_S3_REGION", defaultS3Region),
		S3Bucket:      os.Getenv("ENT_S3_BUCKET"),
		S3AccessKey:   os.Getenv("ENT_S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("ENT_S3_SECRET_KEY"),
		S3KeyPrefix:   os.Getenv("ENT_S3_KEY_PREFIX"),
		Gateway:       strings.ToLower(getEnv("ENT_GATEWAY", defaultGateway)),
		GatewaySecret: os.Getenv("ENT_GATEWAY_SECRET"),
		TokenSeed:     os.Getenv("ENT_TOKEN_SEED"),
		TokenIssuer:   getEnv("ENT_TOKEN_ISSUER", defaultTokenIssuer),
	}

	var err error
	if cfg.StoreTimeout, err = getDuration("ENT_STORE_TIMEOUT", defaultStoreTimeout); err != nil {
		return cfg, err
	}
	if cfg.Retention, err = getDuration("ENT_RECORD_RETENTION", defaultRetention); err != nil {
		return cfg, err
	}
	if cfg.TokenTTL, err = getDuration("ENT_TOKEN_TTL", defaultTokenTTL); err != nil {
		return cfg, err
	}
	if cfg.DownloadURLTTL, err = getDuration("ENT_DOWNLOAD_URL_TTL", defaultDownloadURLTTL); err != nil {
		return cfg, err
	}

	if corsOrigins, exists := os.LookupEnv("ENT_CORS_ALLOWED_ORIGINS"); exists {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	switch cfg.Store {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return cfg, fmt.Errorf("ENT_REDIS_URL is required when ENT_STORE=redis")
		}
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return cfg, fmt.Errorf("ENT_DB_DSN is required when ENT_STORE=postgres")
		}
	default:
		return cfg, fmt.Errorf("ENT_STORE must be memory, redis or postgres, got %q", cfg.Store)
	}

	return cfg, nil
}

// Validate checks the settings the HTTP server cannot run without.
func (c Config) Validate() error {
	switch c.Gateway {
	case "stripe", "hmac":
	default:
		return fmt.Errorf("ENT_GATEWAY must be stripe or hmac, got %q", c.Gateway)
	}
	if c.GatewaySecret == "" {
		return fmt.Errorf("ENT_GATEWAY_SECRET is required")
	}
	if c.TokenTTL <= 0 || c.DownloadURLTTL <= 0 {
		return fmt.Errorf("ENT_TOKEN_TTL and ENT_DOWNLOAD_URL_TTL must be positive")
	}
	if c.Env == "prod" && c.Store == "memory" {
		return fmt.Errorf("ENT_STORE=memory is not allowed in prod")
	}
	return nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getDuration parses a Go duration from key, returning fallback when unset.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", key)
	}
	return d, nil
}
