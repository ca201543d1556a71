// Package config provides configuration loading and management for the marketplace service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// so OS env takes precedence over .env, which takes precedence over .env.local.
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

// Config captures environment-driven settings for the marketplace service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects in-memory storage
	NATSURL     string // NATS server URL; empty disables event streaming
	RedisURL    string // Redis URL for the approval lock; empty uses an in-process lock

	// Object storage. S3 wins over Supabase when both are configured.
	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string // Base for unsigned URLs, e.g. a CDN origin
	SupabaseURL     string
	SupabaseKey     string // Service-role key
	SupabaseBucket  string
	SignedURLTTL    time.Duration

	// Auth
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWTSecret   string // Shared HS256 secret; empty means JWKS (EdDSA) only
	JWKSURL     string // Defaults to {issuer}/.well-known/jwks.json

	// Billing
	StripeWebhookSecret string
	StripePricePlans    map[string]string // Stripe price id -> plan name

	// Entitlement policy
	TrialDownloadsLimit int
	TrialDays           int

	// Download rate limit per user
	DownloadRatePerSecond float64
	DownloadRateBurst     int

	// CORS and proxy configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
	TrustedProxies     []string // Proxy addresses or CIDRs allowed to set X-Forwarded-For
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultS3Region       = "us-east-1"
	defaultEnv            = "dev"
	defaultSupabaseBucket = "videos"
	defaultSignedURLTTL   = 7 * 24 * time.Hour
	defaultTrialLimit     = 3
	defaultTrialDays      = 7
	defaultDownloadRate   = 1.0
	defaultDownloadBurst  = 5
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing.
func Load() (Config, error) {
	cfg := Config{
		Env:                   getEnv("MKT_ENV", defaultEnv),
		Port:                  getEnv("MKT_PORT", defaultPort),
		DatabaseDSN:           os.Getenv("MKT_DB_DSN"),
		NATSURL:               os.Getenv("MKT_NATS_URL"),
		RedisURL:              os.Getenv("MKT_REDIS_URL"),
		S3Endpoint:            os.Getenv("MKT_S3_ENDPOINT"),
		S3Region:              getEnv("MKT_S3_REGION", defaultS3Region),
		S3Bucket:              os.Getenv("MKT_S3_BUCKET"),
		S3AccessKey:           os.Getenv("MKT_S3_ACCESS_KEY"),
		S3SecretKey:           os.Getenv("MKT_S3_SECRET_KEY"),
		S3PublicBaseURL:       os.Getenv("MKT_S3_PUBLIC_BASE_URL"),
		SupabaseURL:           os.Getenv("MKT_SUPABASE_URL"),
		SupabaseKey:           os.Getenv("MKT_SUPABASE_SERVICE_KEY"),
		SupabaseBucket:        getEnv("MKT_SUPABASE_BUCKET", defaultSupabaseBucket),
		SignedURLTTL:          parseDuration(os.Getenv("MKT_SIGNED_URL_TTL"), defaultSignedURLTTL),
		JWTIssuer:             os.Getenv("MKT_JWT_ISSUER"),
		JWTAudience:           os.Getenv("MKT_JWT_AUDIENCE"),
		JWTSecret:             os.Getenv("MKT_JWT_SECRET"),
		JWKSURL:               os.Getenv("MKT_JWKS_URL"),
		StripeWebhookSecret:   os.Getenv("MKT_STRIPE_WEBHOOK_SECRET"),
		StripePricePlans:      parsePairs(os.Getenv("MKT_STRIPE_PRICE_PLANS")),
		TrialDownloadsLimit:   parseInt(os.Getenv("MKT_TRIAL_DOWNLOADS"), defaultTrialLimit),
		TrialDays:             parseInt(os.Getenv("MKT_TRIAL_DAYS"), defaultTrialDays),
		DownloadRatePerSecond: parseFloat(os.Getenv("MKT_DOWNLOAD_RATE"), defaultDownloadRate),
		DownloadRateBurst:     parseInt(os.Getenv("MKT_DOWNLOAD_BURST"), defaultDownloadBurst),
		CORSAllowedOrigins:    parseList(os.Getenv("MKT_CORS_ALLOWED_ORIGINS")),
		TrustedProxies:        parseList(os.Getenv("MKT_TRUSTED_PROXIES")),
	}

	if cfg.JWKSURL == "" && cfg.JWTIssuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MKT_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MKT_JWT_AUDIENCE is required")
	}

	return cfg, nil
}

// S3Enabled reports whether the S3 relocator can be built.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// SupabaseEnabled reports whether the Supabase Storage relocator can be built.
func (c Config) SupabaseEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseKey != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseInt converts a string to an int, returning fallback if parsing fails
func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseFloat(v string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseList splits a comma-separated list and trims whitespace from each entry
func parseList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses "k1=v1,k2=v2"; malformed entries are skipped.
func parsePairs(v string) map[string]string {
	out := make(map[string]string)
	for _, item := range parseList(v) {
		k, val, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}
