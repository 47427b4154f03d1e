package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the API process.
type Config struct {
	Env   string
	Debug bool
	Addr  string

	DatabaseDSN string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTTTL      time.Duration

	RefreshTTL time.Duration

	CORS CORS

	RateLimit RateLimit

	MaxBodyBytes int64
}

// CORS configures the origin allow-list and preflight answers.
type CORS struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         int
}

// RateLimit configures the fixed-window limiter.
type RateLimit struct {
	Limit    int
	Window   time.Duration
	Disabled bool
}

// LoadDotenv loads a .env file when present. Missing files are not an error;
// in containers the environment is injected directly.
func LoadDotenv() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// FromEnv builds Config from environment variables with development defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:         envOr("APP_ENV", "local"),
		Debug:       envBool("APP_DEBUG", false),
		Addr:        envOr("HTTP_ADDR", ":8080"),
		DatabaseDSN: os.Getenv("PG_DSN"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   envOr("JWT_ISSUER", "kyc-api"),
		JWTAudience: envOr("JWT_AUDIENCE", "kyc-clients"),
		JWTTTL:      envDuration("JWT_TTL", time.Hour),
		RefreshTTL:  envDuration("REFRESH_TTL", 30*24*time.Hour),
		CORS: CORS{
			AllowedOrigins: splitList(envOr("CORS_ALLOWED_ORIGINS", "*")),
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", "X-Correlation-Id", "X-Idempotency-Key"},
			ExposedHeaders: []string{"X-Correlation-Id"},
			MaxAge:         envInt("CORS_MAX_AGE", 600),
		},
		RateLimit: RateLimit{
			Limit:    envInt("RATE_LIMIT", 120),
			Window:   envDuration("RATE_WINDOW", time.Minute),
			Disabled: envBool("RATE_LIMIT_DISABLED", false),
		},
		MaxBodyBytes: int64(envInt("MAX_BODY_BYTES", 1<<20)),
	}
	// Rate limiting is switched off in local debug runs; keep it an explicit
	// flag so tests and production never inherit the behavior by accident.
	if cfg.Debug && os.Getenv("RATE_LIMIT_DISABLED") == "" {
		cfg.RateLimit.Disabled = true
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	// Accept plain seconds for compatibility with older deployments.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
