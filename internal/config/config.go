package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"time"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendAWS    = "aws"
	BackendHTTP   = "http"
)

// Config holds all application configuration.
type Config struct {
	// Identity of the acting editor
	Editor EditorConfig `json:"editor" mapstructure:"editor"`

	// Remote console API (http backend)
	API APIConfig `json:"api" mapstructure:"api"`

	// Where collections and locks live
	Store StoreConfig `json:"store" mapstructure:"store"`

	// HTTP API server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Editing session behaviour
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// EditorConfig identifies who is editing.
type EditorConfig struct {
	Email string `json:"email" mapstructure:"email"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent string        `json:"user_agent" mapstructure:"user_agent"`
}

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Backend string    `json:"backend" mapstructure:"backend"` // memory, sql, aws, http
	SQL     SQLConfig `json:"sql" mapstructure:"sql"`
	AWS     AWSConfig `json:"aws" mapstructure:"aws"`
}

// SQLConfig for the sql backend.
type SQLConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite3, pgx
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// AWSConfig for the S3 + DynamoDB backend.
type AWSConfig struct {
	Region    string `json:"region" mapstructure:"region"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	Prefix    string `json:"prefix" mapstructure:"prefix"`
	LockTable string `json:"lock_table" mapstructure:"lock_table"`
	Endpoint  string `json:"endpoint,omitempty" mapstructure:"endpoint"` // localstack and friends

	// Static credentials, mostly for local endpoints. Empty means the
	// default AWS credential chain.
	AccessKeyID     string `json:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"-" mapstructure:"secret_access_key"`
}

// ServerConfig for the HTTP API.
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// SessionConfig for editor sessions.
type SessionConfig struct {
	LockReminder time.Duration `json:"lock_reminder" mapstructure:"lock_reminder"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "http://localhost:8080",
			Timeout:   30 * time.Second,
			UserAgent: "support-admin-console/1.0",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			SQL: SQLConfig{
				Driver: "sqlite3",
				DSN:    filepath.Join(".console", "console.db"),
			},
			AWS: AWSConfig{
				Region:    "eu-west-1",
				Prefix:    "support-admin-console",
				LockTable: "support-admin-console-locks",
			},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			LockReminder: 20 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Editor.Email != "" {
		if _, err := mail.ParseAddress(c.Editor.Email); err != nil {
			return fmt.Errorf("editor.email is not an address: %s", c.Editor.Email)
		}
	}

	if c.Session.LockReminder <= 0 {
		return errors.New("session.lock_reminder must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQL:
		if c.Store.SQL.Driver != "sqlite3" && c.Store.SQL.Driver != "pgx" {
			return fmt.Errorf("invalid store.sql.driver: %s", c.Store.SQL.Driver)
		}
		if c.Store.SQL.DSN == "" {
			return errors.New("store.sql.dsn is required")
		}
	case BackendAWS:
		if c.Store.AWS.Bucket == "" {
			return errors.New("store.aws.bucket is required")
		}
		if c.Store.AWS.LockTable == "" {
			return errors.New("store.aws.lock_table is required")
		}
	case BackendHTTP:
		if c.API.BaseURL == "" {
			return errors.New("api.base_url is required")
		}
		if c.API.Timeout <= 0 {
			return errors.New("api.timeout must be positive")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s", c.Store.Backend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// RequireEditor fails when no editor identity is configured. Commands that
// lock or save call it; read-only ones do not.
func (c *Config) RequireEditor() error {
	if c.Editor.Email == "" {
		return errors.New("editor.email is required (set --editor or CONSOLE_EDITOR_EMAIL)")
	}
	return nil
}

// EnsureDirectories creates directories for file-backed settings.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Store.Backend == BackendSQL && c.Store.SQL.Driver == "sqlite3" {
		dirs = append(dirs, filepath.Dir(c.Store.SQL.DSN))
	}
	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
