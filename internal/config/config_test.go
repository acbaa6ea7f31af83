package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, BackendDatabase, cfg.Storage.Backend)
	assert.True(t, cfg.Redaction.Enabled)
	assert.True(t, cfg.Redaction.UseBuiltinPatterns)
	assert.Equal(t, 0.5, cfg.Search.FuzzyThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, BackendDatabase, cfg.Storage.Backend)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[storage]
backend = "file"
history_file = "/data/history.hlog"

[redaction]
enabled = true
custom_patterns = ["corp-[0-9]+"]
exclude_patterns = ["password=dummy"]
min_secret_length = 5

[search]
fuzzy_threshold = 0.7
max_results = 50

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "/data/history.hlog", cfg.Storage.HistoryFile)
	assert.Equal(t, []string{"corp-[0-9]+"}, cfg.Redaction.CustomPatterns)
	assert.Equal(t, []string{"password=dummy"}, cfg.Redaction.ExcludePatterns)
	assert.Equal(t, 5, cfg.Redaction.MinSecretLength)
	assert.Equal(t, 0.7, cfg.Search.FuzzyThreshold)
	assert.Equal(t, 50, cfg.Search.MaxResults)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\nbackend = \"cloud\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestValidateBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Search.FuzzyThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Search.MaxResults = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Redaction.MinSecretLength = -1
	assert.Error(t, cfg.Validate())
}

func TestDataDirFromEnv(t *testing.T) {
	t.Setenv("HUSHLOG_DATA_DIR", "/custom/data")
	cfg := DefaultConfig()
	assert.Equal(t, "/custom/data", cfg.DataDir)
	assert.Equal(t, filepath.Join("/custom/data", "history.db"), cfg.Storage.DatabasePath)
}
