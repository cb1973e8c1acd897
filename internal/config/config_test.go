package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every LUMIKB_ variable a previous test (or the developer's
// shell) may have left behind.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LUMIKB_CONFIG", "LUMIKB_BASE_URL", "LUMIKB_API_TOKEN", "LUMIKB_KB_ID",
		"LUMIKB_ENVIRONMENT", "LUMIKB_STORAGE_PATH", "LUMIKB_LOG_DIR",
		"LUMIKB_LOG_MAX_FILES", "LUMIKB_UNDO_TTL_SECONDS", "LUMIKB_RETRY_BASE_MS",
		"LUMIKB_RETRY_MAX_DELAY_MS", "LUMIKB_MAX_RETRIES",
		"LUMIKB_POLL_INTERVAL_SECONDS", "LUMIKB_DEBUG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaultsWithKB(t *testing.T) {
	clearEnv(t)
	t.Setenv("LUMIKB_KB_ID", "kb-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, "kb-1", cfg.KBID)
	assert.Equal(t, 30, cfg.UndoTTLSeconds)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.Debug, "debug defaults on outside prod")
}

func TestLoadRequiresKB(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KBID")
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LUMIKB_KB_ID", "kb-2")
	t.Setenv("LUMIKB_BASE_URL", "https://kb.example.com")
	t.Setenv("LUMIKB_ENVIRONMENT", "prod")
	t.Setenv("LUMIKB_MAX_RETRIES", "3")
	t.Setenv("LUMIKB_RETRY_BASE_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://kb.example.com", cfg.BaseURL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250, cfg.RetryBaseMs)
	assert.False(t, cfg.Debug, "debug defaults off in prod")
}

func TestYAMLFileThenEnvWins(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "lumikb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://file.example.com
kb_id: kb-from-file
undo_ttl_seconds: 60
`), 0644))
	t.Setenv("LUMIKB_CONFIG", path)
	t.Setenv("LUMIKB_BASE_URL", "https://env.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.BaseURL, "env overrides file")
	assert.Equal(t, "kb-from-file", cfg.KBID)
	assert.Equal(t, 60, cfg.UndoTTLSeconds)
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	clearEnv(t)
	t.Setenv("LUMIKB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			BaseURL:             "http://localhost:8080",
			KBID:                "kb",
			UndoTTLSeconds:      30,
			RetryBaseMs:         500,
			RetryMaxDelayMs:     15000,
			MaxRetries:          5,
			PollIntervalSeconds: 5,
		}
	}

	ok := base()
	assert.NoError(t, ok.Validate())

	noScheme := base()
	noScheme.BaseURL = "localhost:8080"
	assert.Error(t, noScheme.Validate())

	zeroRetries := base()
	zeroRetries.MaxRetries = 0
	assert.Error(t, zeroRetries.Validate())

	capBelowBase := base()
	capBelowBase.RetryMaxDelayMs = 100
	assert.Error(t, capBelowBase.Validate())
}

func TestOpenLogFileRetention(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"client-2026-01-01T00-00-00.log",
		"client-2026-01-02T00-00-00.log",
		"client-2026-01-03T00-00-00.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	cfg := &Config{LogDir: dir, LogMaxFiles: 2}
	f, err := cfg.OpenLogFile()
	require.NoError(t, err)
	defer f.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	// Two newest logs survive (the fresh one plus 01-03); other files are
	// never touched by pruning.
	assert.Len(t, names, 3)
	assert.NotContains(t, names, "client-2026-01-01T00-00-00.log")
	assert.NotContains(t, names, "client-2026-01-02T00-00-00.log")
	assert.Contains(t, names, "client-2026-01-03T00-00-00.log")
	assert.Contains(t, names, "notes.txt")
}

func TestRetryPolicyAndUndoTTL(t *testing.T) {
	cfg := &Config{
		RetryBaseMs:         250,
		RetryMaxDelayMs:     10000,
		MaxRetries:          4,
		PollIntervalSeconds: 3,
		UndoTTLSeconds:      45,
	}

	p := cfg.RetryPolicy()
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, 3*time.Second, p.PollInterval)

	assert.Equal(t, 45*time.Second, cfg.UndoTTL())
}
