package sqlite

import (
	"fmt"
	"net/url"
	"time"

	"taxfiler/internal/common/errors"
)

type Config struct {
	DatabasePath string
	BusyTimeout  time.Duration
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.ConfigError("database path is required")
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	return nil
}

func (c *Config) GetType() string {
	return "sqlite"
}

// GetConnectionString returns a go-sqlite3 DSN with WAL journaling
func (c *Config) GetConnectionString() string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout.Milliseconds()))
	params.Set("_foreign_keys", "on")
	return fmt.Sprintf("file:%s?%s", c.DatabasePath, params.Encode())
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./taxfiler.db",
		BusyTimeout:  5 * time.Second,
	}
}
