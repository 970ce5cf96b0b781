package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
}

func TestLoadAppliesDefaults(t *testing.T) {
	unsetEnv(t, "PORT", "IMPORT_CHUNK_WRITES", "PHONE_REGION", "ACCESS_TOKEN_TTL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 200, cfg.ImportChunkWrites)
	assert.Equal(t, 8*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, "EG", cfg.PhoneRegion)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("IMPORT_CHUNK_WRITES", "50")
	t.Setenv("CATALOG_CACHE_TTL", "5s")
	t.Setenv("PHONE_REGION", " sa ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, 50, cfg.ImportChunkWrites)
	assert.Equal(t, 5*time.Second, cfg.CatalogCacheTTL)
	assert.Equal(t, "SA", cfg.PhoneRegion)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL", "eight hours")

	_, err := Load()
	assert.Error(t, err)
}

// unsetEnv removes keys for the duration of the test. envconfig treats a set
// but empty variable as a value, so defaults only apply to unset keys.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}
