// Package config provides tests for the configuration loading and management.
package config

import (
	"testing"
	"time"
)

// clearEnv blanks every ENT_ variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ENT_ENV", "ENT_PORT", "ENT_STORE", "ENT_REDIS_URL", "ENT_DB_DSN", "ENT_NATS_URL",
		"ENT_NOTIFY_URL", "ENT_S3_ENDPOINT", "ENT_S3_REGION", "ENT_S3_BUCKET", "ENT_S3_ACCESS_KEY",
		"ENT_S3_SECRET_KEY", "ENT_S3_KEY_PREFIX", "ENT_GATEWAY", "ENT_GATEWAY_SECRET",
		"ENT_TOKEN_SEED", "ENT_TOKEN_ISSUER", "ENT_TOKEN_TTL", "ENT_DOWNLOAD_URL_TTL",
		"ENT_STORE_TIMEOUT", "ENT_RECORD_RETENTION", "ENT_CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

// TestLoad tests the Load function with default values.
func TestLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want %v", cfg.Env, "dev")
	}
	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want %v", cfg.Port, "8080")
	}
	if cfg.Store != "memory" {
		t.Errorf("Load() Store = %v, want memory", cfg.Store)
	}
	if cfg.Gateway != "stripe" {
		t.Errorf("Load() Gateway = %v, want stripe", cfg.Gateway)
	}
	if cfg.StoreTimeout != 3*time.Second || cfg.TokenTTL != time.Hour || cfg.DownloadURLTTL != 5*time.Minute {
		t.Errorf("Load() unexpected durations %+v", cfg)
	}
	if cfg.Retention != 720*time.Hour {
		t.Errorf("Load() Retention = %v, want 720h", cfg.Retention)
	}

	// Load succeeds without a gateway secret; the server refuses to start.
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require ENT_GATEWAY_SECRET")
	}
}

// TestLoadWithEnv tests the Load function with environment variables set.
func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENT_ENV", "prod")
	t.Setenv("ENT_PORT", "9090")
	t.Setenv("ENT_STORE", "Redis")
	t.Setenv("ENT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ENT_GATEWAY", "hmac")
	t.Setenv("ENT_GATEWAY_SECRET", "s3cret")
	t.Setenv("ENT_TOKEN_TTL", "15m")
	t.Setenv("ENT_RECORD_RETENTION", "0")
	t.Setenv("ENT_CORS_ALLOWED_ORIGINS", "https://shop.example.com, https://admin.example.com,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store != "redis" || cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected store settings %q %q", cfg.Store, cfg.RedisURL)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Errorf("TokenTTL = %v, want 15m", cfg.TokenTTL)
	}
	if cfg.Retention != 0 {
		t.Errorf("Retention = %v, want 0", cfg.Retention)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("unexpected CORS origins %v", cfg.CORSAllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":        {"ENT_STORE": "cassandra"},
		"redis without url":    {"ENT_STORE": "redis"},
		"postgres without dsn": {"ENT_STORE": "postgres"},
		"bad duration":         {"ENT_STORE_TIMEOUT": "soon"},
		"negative duration":    {"ENT_TOKEN_TTL": "-1m"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected Load() error")
			}
		})
	}
}

func TestValidateRejectsMemoryInProd(t *testing.T) {
	cfg := Config{Env: "prod", Store: "memory", Gateway: "stripe", GatewaySecret: "x", TokenTTL: time.Hour, DownloadURLTTL: time.Minute}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for memory store in prod")
	}
	cfg.Gateway = "paypal"
	cfg.Store = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown gateway")
	}
}
