package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORACLE_HTTP_HOST", "ORACLE_HTTP_PORT", "ORACLE_CACHE_TTL_MS",
		"ORACLE_MAX_DATA_AGE_MS", "ORACLE_PING_INTERVAL_SEC",
		"ORACLE_RECONNECT_INIT_SEC", "ORACLE_RECONNECT_MAX_SEC", "ORACLE_FEED_MAP",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 2000*time.Millisecond, cfg.MaxDataAge)
	assert.Equal(t, 1*time.Second, cfg.ReconnectInit)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("ORACLE_HTTP_PORT", "9090"))
	require.NoError(t, os.Setenv("ORACLE_MAX_DATA_AGE_MS", "5000"))
	t.Cleanup(func() { clearEnv(t) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.MaxDataAge)
}

func TestValidateRejectsReconnectMaxBelowInit(t *testing.T) {
	cfg := Config{
		HTTPPort:      8080,
		CacheTTL:      time.Second,
		MaxDataAge:    time.Second,
		ReconnectInit: 10 * time.Second,
		ReconnectMax:  5 * time.Second,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Config{HTTPPort: 70000, CacheTTL: time.Second, MaxDataAge: time.Second}
	assert.Error(t, cfg.Validate())
}
