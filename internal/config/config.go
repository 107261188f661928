// Package config is the on-disk configuration for whichcard.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for the whichcard daemon.
//
// NOTE: secrets never live in this file. Fields ending in KeyEnv name the
// environment variable that carries the secret.
type Config struct {
	// DataDir holds catalog versions, index snapshots, the user database
	// and the daemon lock.
	DataDir string `json:"data_dir,omitempty"`

	// Listen is the HTTP bind address.
	Listen string `json:"listen,omitempty"`

	// AdminKeyEnv names the env var carrying the admin API key. With the
	// variable unset, admin endpoints are disabled.
	AdminKeyEnv string `json:"admin_key_env,omitempty"`

	// AllowedOrigins is the CORS allowlist. Empty allows no browser origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	Catalog    CatalogConfig    `json:"catalog"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Generation GenerationConfig `json:"generation"`
	Watcher    WatcherConfig    `json:"watcher"`
}

// CatalogConfig points at the remote catalog source.
type CatalogConfig struct {
	// RemoteURL is a direct CSV endpoint. Wins over FileID when both are
	// set. With neither set, refreshes rebuild from the on-disk catalog.
	RemoteURL string `json:"remote_url,omitempty"`

	// FileID is a Google Drive or Sheets document id, or a full share URL.
	FileID string `json:"file_id,omitempty"`

	// MaxBackups bounds the catalog version history.
	MaxBackups int `json:"max_backups,omitempty"`
}

// EmbeddingConfig selects how documents and queries are embedded.
type EmbeddingConfig struct {
	// Provider is "local" or "openai".
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	APIKeyEnv  string `json:"api_key_env,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// GenerationConfig selects the summary generator.
type GenerationConfig struct {
	// Provider is "none", "openai" or "anthropic". "none" always answers
	// with the templated summary.
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	APIKeyEnv      string `json:"api_key_env,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// WatcherConfig controls the catalog inbox directory.
type WatcherConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// InboxDir is watched for dropped .csv files; each one triggers a
	// refresh. Defaults to <data_dir>/inbox.
	InboxDir string `json:"inbox_dir,omitempty"`

	// DebounceMS coalesces rapid writes to the same file.
	DebounceMS int `json:"debounce_ms,omitempty"`
}

const (
	DefaultListen      = "127.0.0.1:8787"
	DefaultAdminKeyEnv = "WHICHCARD_ADMIN_KEY"

	defaultMaxBackups = 30
	defaultDebounceMS = 2000
)

// Default returns a fully defaulted configuration, the shape `init`
// writes to disk.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every empty field that has a sensible default.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir()
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.AdminKeyEnv) == "" {
		c.AdminKeyEnv = DefaultAdminKeyEnv
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.Catalog.MaxBackups <= 0 {
		c.Catalog.MaxBackups = defaultMaxBackups
	}
	if strings.TrimSpace(c.Embedding.Provider) == "" {
		c.Embedding.Provider = "local"
	}
	if c.Embedding.Provider == "openai" && strings.TrimSpace(c.Embedding.APIKeyEnv) == "" {
		c.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if strings.TrimSpace(c.Generation.Provider) == "" {
		c.Generation.Provider = "none"
	}
	if strings.TrimSpace(c.Generation.APIKeyEnv) == "" {
		switch c.Generation.Provider {
		case "openai":
			c.Generation.APIKeyEnv = "OPENAI_API_KEY"
		case "anthropic":
			c.Generation.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
	}
	if c.Generation.TimeoutSeconds <= 0 {
		c.Generation.TimeoutSeconds = 10
	}
	if strings.TrimSpace(c.Watcher.InboxDir) == "" {
		c.Watcher.InboxDir = filepath.Join(c.DataDir, "inbox")
	}
	if c.Watcher.DebounceMS <= 0 {
		c.Watcher.DebounceMS = defaultDebounceMS
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("missing data_dir")
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(c.Listen)); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.Embedding.Provider {
	case "local", "openai":
	default:
		return fmt.Errorf("invalid embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 0 {
		return errors.New("embedding dimensions must be >= 0")
	}
	switch c.Generation.Provider {
	case "none", "openai", "anthropic":
	default:
		return fmt.Errorf("invalid generation provider %q", c.Generation.Provider)
	}
	if c.Catalog.MaxBackups < 0 {
		return errors.New("catalog max_backups must be >= 0")
	}
	if c.Watcher.Enabled && strings.TrimSpace(c.Watcher.InboxDir) == "" {
		return errors.New("watcher enabled without inbox_dir")
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.whichcard/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "whichcard.config.json"
	}
	return filepath.Join(home, ".whichcard", "config.json")
}

// DefaultDataDir returns the default data directory:
//
//	~/.whichcard/data
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "whichcard-data"
	}
	return filepath.Join(home, ".whichcard", "data")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
