package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/backoffice/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage StorageConfig

	// Organizations, invitations and policy
	Orgs OrgsConfig

	// Magic-link and password-reset tokens
	Tokens TokenConfig

	// Email delivery
	Notify NotifyConfig

	// Audit trail sinks
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// BaseURL is the public origin used in emailed links
	BaseURL string

	CORSOrigins []string

	// SessionTTL is how long a sign-in lasts
	SessionTTL time.Duration

	// AuthRateLimit caps public auth requests per client per minute.
	// Zero disables the limiter.
	AuthRateLimit int
}

// StorageConfig selects the organization store and its connections
type StorageConfig struct {
	// Driver is "postgres" or "memory"
	Driver string

	PostgresURL          string
	PostgresMaxConns     int
	PostgresMaxIdleConns int
	PostgresConnLifetime time.Duration

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// OrgsConfig holds membership and invitation settings
type OrgsConfig struct {
	InvitationTTL time.Duration

	// SweepSchedule is a cron expression for marking expired invitations.
	// Empty disables the sweep.
	SweepSchedule string

	MembershipCacheSize int
	MembershipCacheTTL  time.Duration

	// PolicyFile replaces the built-in statements and roles when set
	PolicyFile string
}

// TokenConfig holds link token lifetimes
type TokenConfig struct {
	MagicLinkTTL     time.Duration
	PasswordResetTTL time.Duration
}

// NotifyConfig selects how emails are delivered
type NotifyConfig struct {
	// Driver is "log", "smtp" or "webhook"
	Driver string

	// Outbox queues messages in Redis and delivers them from a relay
	Outbox            bool
	OutboxMaxAttempts int

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	// FilePath enables the JSON-lines file sink when set
	FilePath string
	// Database enables the audit_logs table sink (postgres driver only)
	Database bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Orgs:          loadOrgsConfig(),
		Tokens:        loadTokenConfig(),
		Notify:        loadNotifyConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BACKOFFICE_HOST", "0.0.0.0"),
		Port:            getEnv("BACKOFFICE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BACKOFFICE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BACKOFFICE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BACKOFFICE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BACKOFFICE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("BACKOFFICE_HEALTH_PORT", "9090"),
		BaseURL:         getEnv("BACKOFFICE_BASE_URL", "http://localhost:8080"),
		CORSOrigins:     getEnvList("BACKOFFICE_CORS_ORIGINS"),
		SessionTTL:      getEnvDuration("BACKOFFICE_SESSION_TTL", 7*24*time.Hour),
		AuthRateLimit:   getEnvInt("BACKOFFICE_AUTH_RATE_LIMIT", 10),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() StorageConfig {
	cfg := StorageConfig{
		Driver:               getEnv("BACKOFFICE_STORAGE_DRIVER", "postgres"),
		PostgresURL:          getEnv("BACKOFFICE_POSTGRES_URL", ""),
		PostgresMaxConns:     getEnvInt("BACKOFFICE_POSTGRES_MAX_CONNS", 20),
		PostgresMaxIdleConns: getEnvInt("BACKOFFICE_POSTGRES_MAX_IDLE_CONNS", 5),
		PostgresConnLifetime: getEnvDuration("BACKOFFICE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		RedisURL:             getEnv("BACKOFFICE_REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:        getEnv("BACKOFFICE_REDIS_PASSWORD", ""),
		RedisPoolSize:        getEnvInt("BACKOFFICE_REDIS_POOL_SIZE", 0),
	}
	if redisDB := getEnvInt("BACKOFFICE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	return cfg
}

func loadOrgsConfig() OrgsConfig {
	return OrgsConfig{
		InvitationTTL:       getEnvDuration("BACKOFFICE_INVITATION_TTL", 7*24*time.Hour),
		SweepSchedule:       getEnv("BACKOFFICE_INVITATION_SWEEP", ""),
		MembershipCacheSize: getEnvInt("BACKOFFICE_MEMBERSHIP_CACHE_SIZE", 10000),
		MembershipCacheTTL:  getEnvDuration("BACKOFFICE_MEMBERSHIP_CACHE_TTL", 30*time.Second),
		PolicyFile:          getEnv("BACKOFFICE_POLICY_FILE", ""),
	}
}

func loadTokenConfig() TokenConfig {
	return TokenConfig{
		MagicLinkTTL:     getEnvDuration("BACKOFFICE_MAGIC_LINK_TTL", 15*time.Minute),
		PasswordResetTTL: getEnvDuration("BACKOFFICE_PASSWORD_RESET_TTL", time.Hour),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Driver:            strings.ToLower(getEnv("BACKOFFICE_NOTIFY_DRIVER", "log")),
		Outbox:            getEnvBool("BACKOFFICE_NOTIFY_OUTBOX", false),
		OutboxMaxAttempts: getEnvInt("BACKOFFICE_NOTIFY_OUTBOX_MAX_ATTEMPTS", 5),
		SMTPHost:          getEnv("BACKOFFICE_SMTP_HOST", ""),
		SMTPPort:          getEnvInt("BACKOFFICE_SMTP_PORT", 587),
		SMTPUser:          getEnv("BACKOFFICE_SMTP_USER", ""),
		SMTPPassword:      getEnv("BACKOFFICE_SMTP_PASSWORD", ""),
		SMTPFrom:          getEnv("BACKOFFICE_SMTP_FROM", ""),
		SMTPFromName:      getEnv("BACKOFFICE_SMTP_FROM_NAME", "Backoffice"),
		WebhookURL:        getEnv("BACKOFFICE_NOTIFY_WEBHOOK_URL", ""),
		WebhookSecret:     getEnv("BACKOFFICE_NOTIFY_WEBHOOK_SECRET", ""),
		WebhookTimeout:    getEnvDuration("BACKOFFICE_NOTIFY_WEBHOOK_TIMEOUT", 10*time.Second),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath: getEnv("BACKOFFICE_AUDIT_FILE_PATH", ""),
		Database: getEnvBool("BACKOFFICE_AUDIT_DATABASE", true),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("BACKOFFICE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BACKOFFICE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("BACKOFFICE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BACKOFFICE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BACKOFFICE_OTEL_SERVICE_NAME", "backoffice"),
		OTelServiceVersion: getEnv("BACKOFFICE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("BACKOFFICE_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL: %q", c.Server.BaseURL)
	}

	if c.Server.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Server.AuthRateLimit < 0 {
		return fmt.Errorf("auth rate limit must not be negative")
	}

	// Validate storage config based on driver
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case "memory":
		if c.Audit.Database {
			return fmt.Errorf("database audit sink requires postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or memory)", c.Storage.Driver)
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Orgs.InvitationTTL <= 0 {
		return fmt.Errorf("invitation TTL must be positive")
	}
	if c.Orgs.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Orgs.SweepSchedule); err != nil {
			return fmt.Errorf("invalid invitation sweep schedule %q: %w", c.Orgs.SweepSchedule, err)
		}
	}
	if c.Tokens.MagicLinkTTL <= 0 || c.Tokens.PasswordResetTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}

	switch c.Notify.Driver {
	case "log":
	case "smtp":
		if c.Notify.SMTPHost == "" || c.Notify.SMTPFrom == "" {
			return fmt.Errorf("SMTP host and from address are required for smtp delivery")
		}
	case "webhook":
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required for webhook delivery")
		}
	default:
		return fmt.Errorf("invalid notify driver: %s (must be log, smtp, or webhook)", c.Notify.Driver)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
