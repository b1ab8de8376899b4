package config

import (
	"path/filepath"
	"time"
)

// ServerConfig holds resolved HTTP server configuration.
type ServerConfig struct {
	ListenAddr      string        // Bind address (default ":8080")
	AllowedOrigins  []string      // CORS origins (default: localhost dev servers)
	MaxQueryChars   int           // Queries longer than this are rejected before any LLM call
	ShutdownTimeout time.Duration // Max time to drain in-flight requests on shutdown
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      ":8080",
		AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
		MaxQueryChars:   8192,
		ShutdownTimeout: 30 * time.Second,
	}
}

// HistoryConfig holds resolved run history configuration.
type HistoryConfig struct {
	Enabled         bool          // Persist orchestrator runs to the history store
	Path            string        // SQLite file path (resolved under the data dir when relative)
	RetentionDays   int           // Days to keep finished runs before deletion
	CleanupInterval time.Duration // How often the retention loop runs
}

// DefaultHistoryConfig returns the built-in history defaults.
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{
		Enabled:         true,
		Path:            "history.db",
		RetentionDays:   30,
		CleanupInterval: 12 * time.Hour,
	}
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	ListenAddr      string             `yaml:"listen_addr"`
	AllowedOrigins  []string           `yaml:"allowed_origins"`
	MaxQueryChars   int                `yaml:"max_query_chars"`
	ShutdownTimeout Duration           `yaml:"shutdown_timeout"`
	DataDir         string             `yaml:"data_dir"`
	SessionsDSN     string             `yaml:"sessions_dsn"`
	History         *HistoryYAMLConfig `yaml:"history"`
}

// HistoryYAMLConfig holds run history settings from YAML.
type HistoryYAMLConfig struct {
	Enabled         *bool    `yaml:"enabled,omitempty"`
	Path            string   `yaml:"path,omitempty"`
	RetentionDays   int      `yaml:"retention_days,omitempty"`
	CleanupInterval Duration `yaml:"cleanup_interval,omitempty"`
}

// SessionsDir returns the directory that holds file-backed session stores.
func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}
