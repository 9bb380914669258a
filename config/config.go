package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store kinds for stream and recording records.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Provider modes.
const (
	ProviderHTTP = "http"
	ProviderFake = "fake"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Provider  ProviderConfig
	Reconcile ReconcileConfig
	Store     string // postgres | memory
	LogLevel  string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings. REDIS_ADDR set to an empty
// value runs without Redis: in-process locks, local-only events and no archive queue.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	LockTTLSec int
}

// JWTConfig holds token validation settings.
type JWTConfig struct {
	Secret      string
	Issuer      string
	ExpireHours int
}

// AWSConfig holds credentials and the recordings archive bucket.
// Archiving is off when RecordingsBucket is empty.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// ProviderConfig configures the streaming provider client.
type ProviderConfig struct {
	Mode             string // http | fake
	BaseURL          string
	APIKey           string
	TimeoutSec       int
	WebhookSecret    string
	BreakerMinReqs   int
	BreakerRatio     float64
	BreakerOpenSec   int
	BreakerHalfOpenN int
}

// ReconcileConfig tunes recording status reconciliation.
type ReconcileConfig struct {
	FreshnessSec int
	IntervalSec  int
	BatchSize    int
	InServer     bool // run the loop inside cmd/server as well
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Timeout is the bound on every provider call.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Freshness is how long a polled recording status is trusted.
func (c ReconcileConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessSec) * time.Second
}

// Interval is the background loop period.
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// LockTTL bounds how long a crashed instance can hold a stream lock.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

// TokenTTL is the lifetime of issued access tokens.
func (c JWTConfig) TokenTTL() time.Duration {
	return time.Duration(c.ExpireHours) * time.Hour
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "livestream"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:       getEnvAllowEmpty("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			LockTTLSec: getEnvInt("REDIS_LOCK_TTL_SEC", 30),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer:      getEnv("JWT_ISSUER", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Provider: ProviderConfig{
			Mode:             strings.ToLower(getEnv("PROVIDER_MODE", ProviderHTTP)),
			BaseURL:          getEnv("PROVIDER_BASE_URL", ""),
			APIKey:           getEnv("PROVIDER_API_KEY", ""),
			TimeoutSec:       getEnvInt("PROVIDER_TIMEOUT_SEC", 10),
			WebhookSecret:    getEnv("PROVIDER_WEBHOOK_SECRET", ""),
			BreakerMinReqs:   getEnvInt("PROVIDER_BREAKER_MIN_REQUESTS", 10),
			BreakerRatio:     getEnvFloat("PROVIDER_BREAKER_FAILURE_RATIO", 0.6),
			BreakerOpenSec:   getEnvInt("PROVIDER_BREAKER_OPEN_SEC", 30),
			BreakerHalfOpenN: getEnvInt("PROVIDER_BREAKER_HALF_OPEN_REQUESTS", 1),
		},
		Reconcile: ReconcileConfig{
			FreshnessSec: getEnvInt("RECONCILE_FRESHNESS_SEC", 15),
			IntervalSec:  getEnvInt("RECONCILE_INTERVAL_SEC", 30),
			BatchSize:    getEnvInt("RECONCILE_BATCH_SIZE", 100),
			InServer:     getEnvBool("RECONCILE_IN_SERVER", false),
		},
		Store:    strings.ToLower(getEnv("STORE", StorePostgres)),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []error
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		problems = append(problems, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}
	switch c.Provider.Mode {
	case ProviderFake:
	case ProviderHTTP:
		if c.Provider.BaseURL == "" {
			problems = append(problems, errors.New("PROVIDER_BASE_URL is required in http mode"))
		}
	default:
		problems = append(problems, fmt.Errorf("PROVIDER_MODE must be %q or %q, got %q", ProviderHTTP, ProviderFake, c.Provider.Mode))
	}
	if c.Provider.TimeoutSec <= 0 {
		problems = append(problems, errors.New("PROVIDER_TIMEOUT_SEC must be positive"))
	}
	if c.Provider.BreakerRatio <= 0 || c.Provider.BreakerRatio > 1 {
		problems = append(problems, errors.New("PROVIDER_BREAKER_FAILURE_RATIO must be in (0,1]"))
	}
	if c.Reconcile.FreshnessSec < 0 || c.Reconcile.IntervalSec <= 0 || c.Reconcile.BatchSize <= 0 {
		problems = append(problems, errors.New("RECONCILE_* values must be positive"))
	}
	if c.JWT.Secret == "" {
		problems = append(problems, errors.New("JWT_SECRET is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("LOG_LEVEL %q unknown", c.LogLevel))
	}
	return errors.Join(problems...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvAllowEmpty is getEnv, except that a variable set to "" yields "".
func getEnvAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
