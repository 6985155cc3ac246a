package config

import (
	"strings"
	"testing"
	"time"

	"taxfiler/internal/common/errors"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "DATABASE_TYPE", "DATABASE_PATH",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_SSL_MODE",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE", "TOKEN_STORE", "SAGA_LOCK",
	"CONFIG_ENCRYPTION_KEY", "OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "OAUTH_AUTH_URL", "OAUTH_TOKEN_URL",
	"OAUTH_REDIRECT_PORT", "OAUTH_REDIRECT_PATH", "OAUTH_SCOPES", "AUTH_TIMEOUT",
	"AUTHORITY_BASE_URL", "AUTHORITY_RPS", "AUTHORITY_MAX_ATTEMPTS", "REFRESH_SCHEDULE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func validEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("CONFIG_ENCRYPTION_KEY", strings.Repeat("k", 32))
	t.Setenv("OAUTH_CLIENT_ID", "client")
	t.Setenv("OAUTH_CLIENT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	c := Load()

	if c.DatabaseType != "sqlite" || c.DatabasePath != "./taxfiler.db" {
		t.Errorf("database defaults = %s %s", c.DatabaseType, c.DatabasePath)
	}
	if c.AuthTimeout != 5*time.Minute {
		t.Errorf("AuthTimeout = %v, want 5m", c.AuthTimeout)
	}
	if c.AuthorityRPS != 3 || c.AuthorityMaxAttempts != 3 {
		t.Errorf("authority defaults = %v %v", c.AuthorityRPS, c.AuthorityMaxAttempts)
	}
	if c.RedirectURL() != "http://localhost:9004/oauth/callback" {
		t.Errorf("RedirectURL() = %s", c.RedirectURL())
	}
	if got := c.Scopes(); len(got) != 2 || got[0] != "read:self-assessment" {
		t.Errorf("Scopes() = %v", got)
	}
	if c.NeedsRedis() {
		t.Error("NeedsRedis() should be false by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	validEnv(t)
	t.Setenv("AUTH_TIMEOUT", "90")
	t.Setenv("AUTHORITY_RPS", "1.5")
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("POSTGRES_PASSWORD", "pw")

	c := Load()
	if c.AuthTimeout != 90*time.Second {
		t.Errorf("AuthTimeout = %v, want 90s", c.AuthTimeout)
	}
	if c.AuthorityRPS != 1.5 {
		t.Errorf("AuthorityRPS = %v", c.AuthorityRPS)
	}
	if !c.UsesPostgres() {
		t.Error("UsesPostgres() should be true")
	}
	if c.PostgresPassword != "pw" || c.PostgresSSLMode != "disable" {
		t.Errorf("postgres settings = %q/%q", c.PostgresPassword, c.PostgresSSLMode)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantField string
	}{
		{"valid", nil, ""},
		{"short key", map[string]string{"CONFIG_ENCRYPTION_KEY": "short"}, "CONFIG_ENCRYPTION_KEY"},
		{"bad db type", map[string]string{"DATABASE_TYPE": "mysql"}, "DATABASE_TYPE"},
		{"bad port", map[string]string{"PORT": "99999"}, "PORT"},
		{"redis store without address", map[string]string{"TOKEN_STORE": "redis"}, "REDIS_ADDRESS"},
		{"unknown lock", map[string]string{"SAGA_LOCK": "zookeeper"}, "SAGA_LOCK"},
		{"bad token url", map[string]string{"OAUTH_TOKEN_URL": "nope"}, "OAUTH_TOKEN_URL"},
		{"bad redirect path", map[string]string{"OAUTH_REDIRECT_PATH": "callback"}, "OAUTH_REDIRECT_PATH"},
		{"zero attempts", map[string]string{"AUTHORITY_MAX_ATTEMPTS": "0"}, "AUTHORITY_MAX_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := Load().Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			appErr, ok := errors.As(err)
			if !ok {
				t.Fatalf("Validate() = %v, want AppError", err)
			}
			if appErr.Kind != errors.KindValidation {
				t.Errorf("Kind = %s", appErr.Kind)
			}
			if appErr.Context["field"] != tt.wantField {
				t.Errorf("field = %v, want %s", appErr.Context["field"], tt.wantField)
			}
		})
	}
}

func TestValidate_MissingClientCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_ENCRYPTION_KEY", strings.Repeat("k", 32))

	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "OAUTH_CLIENT_ID is required") {
		t.Errorf("Validate() = %v", err)
	}
}
