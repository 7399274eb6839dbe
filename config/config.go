package config

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Policy engine modes
const (
	PolicyModeStatic = "static"
	PolicyModeHTTP   = "http"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Ledger        LedgerConfig
	Enforcement   EnforcementConfig
	PolicyEngine  PolicyEngineConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// TrustedProxies are the addresses or CIDRs whose X-Forwarded-For is
	// believed on forward-auth. Everyone else is identified by the peer address.
	TrustedProxies []string
}

// LedgerConfig selects and configures the audit ledger backend
type LedgerConfig struct {
	Driver            string
	SQLitePath        string
	Postgres          DatabaseConfig
	QueueSize         int
	WriteTimeout      time.Duration
	RetentionDays     int
	RetentionSchedule string // cron spec, e.g. "@daily" or "0 3 * * *"
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
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

// EnforcementConfig holds decision engine and override settings
type EnforcementConfig struct {
	SnapshotPath           string
	Timezone               string
	OverrideMaxAttempts    int
	OverrideWindow         time.Duration
	LimiterCleanupInterval time.Duration
}

// PolicyEngineConfig selects how verdicts are produced for /check requests
type PolicyEngineConfig struct {
	Mode          string
	URL           string
	Timeout       time.Duration
	FallbackAllow bool
	StaticAllow   bool
	CacheSize     int
	CacheTTL      time.Duration
}

// AuthConfig holds admin API authentication settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	AdminRole string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES", []string{"127.0.0.1/32", "::1/128"}),
		},
		Ledger: LedgerConfig{
			Driver:            strings.ToLower(getEnv("LEDGER_DRIVER", DriverSQLite)),
			SQLitePath:        getEnv("LEDGER_SQLITE_PATH", "./data/ledger.db"),
			Postgres:          loadDatabaseConfig(),
			QueueSize:         getEnvAsInt("LEDGER_QUEUE_SIZE", 256),
			WriteTimeout:      getEnvAsDuration("LEDGER_WRITE_TIMEOUT", 5*time.Second),
			RetentionDays:     getEnvAsInt("AUDIT_RETENTION_DAYS", 365),
			RetentionSchedule: getEnv("AUDIT_RETENTION_SCHEDULE", "@daily"),
		},
		Enforcement: EnforcementConfig{
			SnapshotPath:           getEnv("ENFORCEMENT_CONFIG_PATH", "./data/enforcement.yaml"),
			Timezone:               getEnv("ENFORCEMENT_TIMEZONE", "Local"),
			OverrideMaxAttempts:    getEnvAsInt("OVERRIDE_MAX_ATTEMPTS", 3),
			OverrideWindow:         getEnvAsDuration("OVERRIDE_WINDOW", 60*time.Second),
			LimiterCleanupInterval: getEnvAsDuration("OVERRIDE_LIMITER_CLEANUP_INTERVAL", 5*time.Minute),
		},
		PolicyEngine: PolicyEngineConfig{
			Mode:          strings.ToLower(getEnv("POLICY_ENGINE", PolicyModeStatic)),
			URL:           getEnv("POLICY_ENGINE_URL", ""),
			Timeout:       getEnvAsDuration("POLICY_ENGINE_TIMEOUT", 5*time.Second),
			FallbackAllow: getEnvAsBool("POLICY_ENGINE_FALLBACK_ALLOW", false),
			StaticAllow:   getEnvAsBool("POLICY_ENGINE_STATIC_ALLOW", true),
			CacheSize:     getEnvAsInt("POLICY_CACHE_SIZE", 1000),
			CacheTTL:      getEnvAsDuration("POLICY_CACHE_TTL", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "enforcement-gateway"),
			AdminRole: getEnv("ADMIN_ROLE", "admin"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverSQLite:
		if c.Ledger.SQLitePath == "" {
			return fmt.Errorf("ledger sqlite path is required")
		}
	case DriverPostgres:
		if c.Ledger.Postgres.ConnectionString == "" && c.Ledger.Postgres.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Ledger.Postgres.ConnectionString == "" {
			if c.Ledger.Postgres.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Ledger.Postgres.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unsupported ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}

	switch c.PolicyEngine.Mode {
	case PolicyModeStatic:
	case PolicyModeHTTP:
		if c.PolicyEngine.URL == "" {
			return fmt.Errorf("policy engine URL is required in http mode")
		}
	default:
		return fmt.Errorf("unsupported policy engine mode %q", c.PolicyEngine.Mode)
	}

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if _, err := c.Enforcement.Location(); err != nil {
		return fmt.Errorf("invalid enforcement timezone: %w", err)
	}
	if c.Enforcement.OverrideMaxAttempts <= 0 {
		return fmt.Errorf("override max attempts must be positive")
	}

	// Admin API cannot run with a guessable secret in production
	if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret of at least 32 bytes is required in production")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
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

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Location resolves the timezone used to evaluate time exceptions.
func (e EnforcementConfig) Location() (*time.Location, error) {
	if e.Timezone == "" || e.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(e.Timezone)
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
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
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "enforcement"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "enforcement"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

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

// getEnvAsList splits a comma-separated value, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
