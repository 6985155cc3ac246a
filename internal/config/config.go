// Package config loads taxfiler settings from the environment.
//
// A .env file in the working directory is read first when present (see
// app.Run); real environment variables always win.
//
// Environment Variables:
//
// Storage:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite file path (default: ./taxfiler.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE
//
// Redis (optional):
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB, REDIS_POOL_SIZE
//   - TOKEN_STORE: "settings" or "redis" (default: settings)
//   - SAGA_LOCK: "local" or "redis" (default: local)
//
// Security:
//   - CONFIG_ENCRYPTION_KEY: exactly 32 characters, required
//
// OAuth:
//   - OAUTH_CLIENT_ID, OAUTH_CLIENT_SECRET (required)
//   - OAUTH_AUTH_URL, OAUTH_TOKEN_URL
//   - OAUTH_REDIRECT_PORT (default: 9004), OAUTH_REDIRECT_PATH (default: /oauth/callback)
//   - OAUTH_SCOPES (default: "read:self-assessment write:self-assessment")
//   - AUTH_TIMEOUT (default: 5m)
//
// Tax authority:
//   - AUTHORITY_BASE_URL (default: HMRC sandbox)
//   - AUTHORITY_RPS (default: 3), AUTHORITY_MAX_ATTEMPTS (default: 3)
//
// Serve mode:
//   - PORT (default: 8080)
//   - REFRESH_SCHEDULE: cron spec for proactive token checks (default: @every 1m)
//
// Logging:
//   - LOG_LEVEL (default: info), LOG_FILE (default: taxfiler.log)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"taxfiler/internal/common/validation"
)

// Config holds every setting the application reads at startup.
type Config struct {
	Port     string
	LogLevel string

	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string
	TokenStore    string
	SagaLock      string

	EncryptionKey string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectPort string
	OAuthRedirectPath string
	OAuthScopes       string
	AuthTimeout       time.Duration

	AuthorityBaseURL     string
	AuthorityRPS         float64
	AuthorityMaxAttempts int

	RefreshSchedule string
}

// Load reads the configuration from the environment, applying defaults.
// It does not validate; call Validate before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./taxfiler.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "taxfiler"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),
		TokenStore:    getEnv("TOKEN_STORE", "settings"),
		SagaLock:      getEnv("SAGA_LOCK", "local"),

		EncryptionKey: getEnv("CONFIG_ENCRYPTION_KEY", ""),

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:      getEnv("OAUTH_AUTH_URL", "https://test-www.tax.service.gov.uk/oauth/authorize"),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", "https://test-api.service.hmrc.gov.uk/oauth/token"),
		OAuthRedirectPort: getEnv("OAUTH_REDIRECT_PORT", "9004"),
		OAuthRedirectPath: getEnv("OAUTH_REDIRECT_PATH", "/oauth/callback"),
		OAuthScopes:       getEnv("OAUTH_SCOPES", "read:self-assessment write:self-assessment"),
		AuthTimeout:       getDurationEnv("AUTH_TIMEOUT", 5*time.Minute),

		AuthorityBaseURL:     getEnv("AUTHORITY_BASE_URL", "https://test-api.service.hmrc.gov.uk"),
		AuthorityRPS:         getFloatEnv("AUTHORITY_RPS", 3),
		AuthorityMaxAttempts: getIntEnv("AUTHORITY_MAX_ATTEMPTS", 3),

		RefreshSchedule: getEnv("REFRESH_SCHEDULE", "@every 1m"),
	}
}

// RedirectURL is the OAuth redirect URI registered with the authority
func (c *Config) RedirectURL() string {
	return fmt.Sprintf("http://localhost:%s%s", c.OAuthRedirectPort, c.OAuthRedirectPath)
}

// Scopes splits OAUTH_SCOPES on whitespace
func (c *Config) Scopes() []string {
	return strings.Fields(c.OAuthScopes)
}

// UsesPostgres reports whether the postgres backend is selected
func (c *Config) UsesPostgres() bool {
	return c.DatabaseType == "postgres" || c.DatabaseType == "postgresql"
}

// NeedsRedis reports whether any component is configured to use Redis
func (c *Config) NeedsRedis() bool {
	return c.TokenStore == "redis" || c.SagaLock == "redis"
}

// Validate checks required values and formats. The returned error is a
// VALIDATION AppError naming the first offending setting.
func (c *Config) Validate() error {
	v := validation.NewValidatorWithPrefix("config")

	v.RequireOneOf(c.DatabaseType, []string{"sqlite", "postgres", "postgresql"}, "DATABASE_TYPE")
	v.Check(validPort(c.Port), "PORT", "must be a port number between 1 and 65535")
	v.Check(len(c.EncryptionKey) == 32, "CONFIG_ENCRYPTION_KEY", "must be exactly 32 characters")

	if c.UsesPostgres() {
		v.RequireString(c.PostgresHost, "POSTGRES_HOST")
		v.RequireString(c.PostgresDB, "POSTGRES_DB")
		v.RequireString(c.PostgresUser, "POSTGRES_USER")
		v.Check(validPort(c.PostgresPort), "POSTGRES_PORT", "must be a valid port number")
	} else {
		v.RequireString(c.DatabasePath, "DATABASE_PATH")
	}

	v.RequireOneOf(c.TokenStore, []string{"settings", "redis"}, "TOKEN_STORE")
	v.RequireOneOf(c.SagaLock, []string{"local", "redis"}, "SAGA_LOCK")
	if c.NeedsRedis() {
		v.RequireString(c.RedisAddress, "REDIS_ADDRESS")
		db, err := strconv.Atoi(c.RedisDB)
		v.Check(err == nil && db >= 0 && db <= 15, "REDIS_DB", "must be a number between 0 and 15")
		pool, err := strconv.Atoi(c.RedisPoolSize)
		v.Check(err == nil && pool > 0, "REDIS_POOL_SIZE", "must be a positive number")
	}

	v.RequireString(c.OAuthClientID, "OAUTH_CLIENT_ID")
	v.RequireString(c.OAuthClientSecret, "OAUTH_CLIENT_SECRET")
	v.RequireURL(c.OAuthAuthURL, "OAUTH_AUTH_URL")
	v.RequireURL(c.OAuthTokenURL, "OAUTH_TOKEN_URL")
	v.Check(validPort(c.OAuthRedirectPort), "OAUTH_REDIRECT_PORT", "must be a valid port number")
	v.Check(strings.HasPrefix(c.OAuthRedirectPath, "/"), "OAUTH_REDIRECT_PATH", "must start with /")
	v.Check(c.AuthTimeout > 0, "AUTH_TIMEOUT", "must be a positive duration")

	v.RequireURL(c.AuthorityBaseURL, "AUTHORITY_BASE_URL")
	v.Check(c.AuthorityRPS > 0, "AUTHORITY_RPS", "must be positive")
	v.RequirePositive(c.AuthorityMaxAttempts, "AUTHORITY_MAX_ATTEMPTS")

	return v.Error()
}

func validPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or a bare number of seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
