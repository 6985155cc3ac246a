package postgres

import (
	"fmt"
	"net/url"
	"strconv"

	"taxfiler/internal/common/errors"
	appconfig "taxfiler/internal/config"
)

type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
	MaxConns int32
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.ConfigError("PostgreSQL host is required")
	}

	if c.Port <= 0 {
		c.Port = 5432
	}

	if c.Database == "" {
		return errors.ConfigError("PostgreSQL database name is required")
	}

	if c.Username == "" {
		return errors.ConfigError("PostgreSQL username is required")
	}

	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}

	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}

	return nil
}

func (c *Config) GetType() string {
	return "postgres"
}

// GetConnectionString returns a postgres:// URL accepted by pgx
func (c *Config) GetConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// FromAppConfig maps the POSTGRES_* settings
func FromAppConfig(cfg *appconfig.Config) *Config {
	port, _ := strconv.Atoi(cfg.PostgresPort)
	return &Config{
		Host:     cfg.PostgresHost,
		Port:     port,
		Database: cfg.PostgresDB,
		Username: cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		SSLMode:  cfg.PostgresSSLMode,
	}
}

func NewConfigFromURL(connStr string) (*Config, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "invalid PostgreSQL URL", err)
	}

	config := &Config{
		Host:     u.Hostname(),
		Username: u.User.Username(),
		SSLMode:  "prefer",
		Port:     5432,
	}
	if len(u.Path) > 1 {
		config.Database = u.Path[1:]
	}

	if u.Port() != "" {
		if port, err := strconv.Atoi(u.Port()); err == nil {
			config.Port = port
		}
	}

	if password, ok := u.User.Password(); ok {
		config.Password = password
	}

	if sslMode := u.Query().Get("sslmode"); sslMode != "" {
		config.SSLMode = sslMode
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		Database: "taxfiler",
		Username: "postgres",
		SSLMode:  "prefer",
		MaxConns: 4,
	}
}
