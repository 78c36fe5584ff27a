package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, logging.LogLevelInfo, cfg.LogLevel)
	assert.True(t, cfg.LogMaskPII)
	assert.Equal(t, 30*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 3, cfg.Provider.MaxRetries)
	assert.Equal(t, time.Second, cfg.Provider.RetryBackoff)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.MaxGlobal)
	assert.Equal(t, 20, cfg.RateLimit.MaxUser)
	assert.Equal(t, 50, cfg.RateLimit.MaxStore)
	assert.Equal(t, 5*time.Minute, cfg.StatsCacheTTL)
	assert.Equal(t, 200*time.Millisecond, cfg.Reconcile.Pause)
	assert.Equal(t, 100, cfg.Reconcile.BatchLimit)
	assert.Equal(t, "moneroo", cfg.DefaultProvider)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PROVIDER_MAX_RETRIES", "5")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "1000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEFAULT_PROVIDER", "PayDunya")
	t.Setenv("MONEROO_SECRET_KEY", "sk_live")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Provider.MaxRetries)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, logging.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "paydunya", cfg.DefaultProvider)
	assert.True(t, cfg.MonerooEnabled())
	assert.False(t, cfg.PayDunyaEnabled())
}

func TestYAMLFileBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storefront.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9090\"\nrate_limit_max_user: 7\n"), 0o600))
	t.Setenv("RATE_LIMIT_MAX_USER", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 9, cfg.RateLimit.MaxUser)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidationCollectsEveryProblem(t *testing.T) {
	t.Setenv("PROVIDER_TIMEOUT_MS", "0")
	t.Setenv("RATE_LIMIT_MAX_STORE", "0")
	t.Setenv("DEFAULT_PROVIDER", "stripe")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_TIMEOUT_MS")
	assert.Contains(t, err.Error(), "RATE_LIMIT_MAX_STORE")
	assert.Contains(t, err.Error(), "stripe")
}
