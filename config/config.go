package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the runtime configuration of the enforcement engine.
// Policy values (limits, thresholds) are not configured here: they arrive
// already parsed as a models.Policy. This covers the operational knobs
// around the engine: sinks, notification delivery, housekeeping, logging.
type Config struct {
	Environment   string
	Audit         AuditConfig
	Notify        NotifyConfig
	Reaper        ReaperConfig
	Observability ObservabilityConfig
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	// FilePath enables the JSON-Lines file sink when set
	FilePath string
	// Database enables the PostgreSQL sink when set
	Database *DatabaseConfig
}

// DatabaseConfig holds PostgreSQL configuration for the audit sink.
// When ConnectionString (from AUDIT_DATABASE_URL) is set, it takes precedence.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// NotifyConfig holds webhook delivery configuration
type NotifyConfig struct {
	WebhookTimeout time.Duration
	// WebhookSecret signs outbound webhook deliveries when set
	WebhookSecret string
}

// ReaperConfig holds terminated-session eviction configuration
type ReaperConfig struct {
	Enabled  bool
	Interval time.Duration
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Audit: AuditConfig{
			FilePath: getEnv("AUDIT_FILE_PATH", ""),
			Database: loadAuditDatabaseConfig(),
		},
		Notify: NotifyConfig{
			WebhookTimeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		},
		Reaper: ReaperConfig{
			Enabled:  getEnvAsBool("REAPER_ENABLED", true),
			Interval: getEnvAsDuration("REAPER_INTERVAL", 5*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	if c.Audit.Database != nil && c.Audit.Database.ConnectionString == "" && c.Audit.Database.Host == "" {
		return fmt.Errorf("audit database configuration requires AUDIT_DATABASE_URL or AUDIT_DB_HOST")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from AUDIT_DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from AUDIT_DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadAuditDatabaseConfig loads audit DB config from AUDIT_DATABASE_URL or AUDIT_DB_* vars.
// Returns nil when neither is set (audit persists to file/memory only).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("AUDIT_DATABASE_URL", "")
	if dbURL != "" {
		return &DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("AUDIT_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("AUDIT_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("AUDIT_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	if getEnv("AUDIT_DB_HOST", "") == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:            getEnv("AUDIT_DB_HOST", "localhost"),
		Port:            getEnvAsInt("AUDIT_DB_PORT", 5432),
		User:            getEnv("AUDIT_DB_USER", "agenttrace"),
		Password:        getEnv("AUDIT_DB_PASSWORD", ""),
		Database:        getEnv("AUDIT_DB_NAME", "agenttrace_audit"),
		SSLMode:         getEnv("AUDIT_DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("AUDIT_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("AUDIT_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("AUDIT_DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
