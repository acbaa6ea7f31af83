package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/hushlog/hushlog/internal/logger"
)

// Backend identifiers accepted by StorageConfig.Backend.
const (
	BackendFile     = "file"
	BackendDatabase = "database"
)

// Config represents the complete configuration for hushlog
type Config struct {
	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Redaction configuration
	Redaction RedactionConfig `toml:"redaction"`

	// Search configuration
	Search SearchConfig `toml:"search"`

	// TUI configuration
	TUI TUIConfig `toml:"tui"`

	// Logging configuration
	Logging logger.Config `toml:"logging"`

	// Directory paths (computed, not stored in TOML)
	DataDir   string `toml:"-"`
	ConfigDir string `toml:"-"`
}

// StorageConfig contains backend selection and paths
type StorageConfig struct {
	// Active backend: "file" or "database"
	Backend string `toml:"backend"`

	// Path to the flat history file (file backend)
	HistoryFile string `toml:"history_file"`

	// Path to the SQLite database file (database backend)
	DatabasePath string `toml:"database_path"`

	// Lock acquisition timeout for file appends, in milliseconds
	LockTimeoutMS int `toml:"lock_timeout_ms"`

	// SQLite busy timeout, in milliseconds
	BusyTimeoutMS int `toml:"busy_timeout_ms"`

	// Connection pool settings
	MaxOpenConns int `toml:"max_open_conns"`
	MaxIdleConns int `toml:"max_idle_conns"`

	// Synchronous mode (NORMAL, FULL)
	SyncMode string `toml:"sync_mode"`
}

// RedactionConfig contains redaction engine settings
type RedactionConfig struct {
	// Enable redaction before persistence
	Enabled bool `toml:"enabled"`

	// Use the builtin pattern set
	UseBuiltinPatterns bool `toml:"use_builtin_patterns"`

	// Additional user patterns (regular expressions)
	CustomPatterns []string `toml:"custom_patterns"`

	// Spans matching these patterns are never redacted
	ExcludePatterns []string `toml:"exclude_patterns"`

	// Environment variable names whose values are always redacted
	EnvVars []string `toml:"env_vars"`

	// Redact KEY=value assignments where KEY looks like an env var
	RedactEnvVars bool `toml:"redact_env_vars"`

	// Secrets shorter than this are left alone (false positive guard)
	MinSecretLength int `toml:"min_secret_length"`
}

// SearchConfig contains search engine settings
type SearchConfig struct {
	// Case sensitive matching by default
	CaseSensitive bool `toml:"case_sensitive"`

	// Fuzzy similarity threshold (0.0 to 1.0)
	FuzzyThreshold float64 `toml:"fuzzy_threshold"`

	// Maximum results returned when no explicit limit is given
	MaxResults int `toml:"max_results"`

	// Highlight matches in search output
	Highlight bool `toml:"highlight"`
}

// TUIConfig contains interactive manager settings
type TUIConfig struct {
	// Results per page
	ResultsPerPage int `toml:"results_per_page"`

	// Color scheme (dark, light, auto)
	ColorScheme string `toml:"color_scheme"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	configDir := defaultConfigDir()

	return &Config{
		Storage: StorageConfig{
			Backend:       BackendDatabase,
			HistoryFile:   filepath.Join(dataDir, "history.hlog"),
			DatabasePath:  filepath.Join(dataDir, "history.db"),
			LockTimeoutMS: 5000,
			BusyTimeoutMS: 5000,
			MaxOpenConns:  1,
			MaxIdleConns:  1,
			SyncMode:      "NORMAL",
		},
		Redaction: RedactionConfig{
			Enabled:            true,
			UseBuiltinPatterns: true,
			RedactEnvVars:      false,
			MinSecretLength:    3,
		},
		Search: SearchConfig{
			CaseSensitive:  false,
			FuzzyThreshold: 0.5,
			MaxResults:     1000,
			Highlight:      true,
		},
		TUI: TUIConfig{
			ResultsPerPage: 20,
			ColorScheme:    "auto",
		},
		Logging:   *logger.DefaultConfig(),
		DataDir:   dataDir,
		ConfigDir: configDir,
	}
}

// Load reads configuration from the given path, falling back to the
// default location and then to defaults when no file exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(cfg.ConfigDir, "config.toml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks configuration values for consistency
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendDatabase:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q",
			BackendFile, BackendDatabase, c.Storage.Backend)
	}

	if c.Search.FuzzyThreshold < 0 || c.Search.FuzzyThreshold > 1 {
		return fmt.Errorf("search.fuzzy_threshold must be in [0,1], got %v", c.Search.FuzzyThreshold)
	}

	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}

	if c.Redaction.MinSecretLength < 0 {
		return fmt.Errorf("redaction.min_secret_length must not be negative, got %d", c.Redaction.MinSecretLength)
	}

	if c.Storage.LockTimeoutMS < 0 || c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("storage timeouts must not be negative")
	}

	return nil
}

// EnsureDataDir creates the data directory with restrictive permissions.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", c.DataDir, err)
	}
	return nil
}

func defaultDataDir() string {
	if dir := os.Getenv("HUSHLOG_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "hushlog")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hushlog"
	}
	return filepath.Join(home, ".local", "share", "hushlog")
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "hushlog")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hushlog"
	}
	return filepath.Join(home, ".config", "hushlog")
}
