package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 100000, cfg.CacheLimit)
	require.Equal(t, 1800, cfg.CacheMaxAgeSec)
	require.Equal(t, 10, cfg.CacheExpirationCheckSec)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("AEGIS_CACHE_LIMIT", "5000")
	t.Setenv("AEGIS_CACHE_MAX_AGE_SEC", "60")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5000, cfg.CacheLimit)
	require.Equal(t, 60, cfg.CacheMaxAgeSec)
	require.Equal(t, 10, cfg.CacheExpirationCheckSec)
}

func TestLoadRereadsOnEveryCall(t *testing.T) {
	first, err := Load()
	require.NoError(t, err)
	require.Equal(t, 100000, first.CacheLimit)

	t.Setenv("AEGIS_CACHE_LIMIT", "42")
	second, err := Load()
	require.NoError(t, err)
	require.Equal(t, 42, second.CacheLimit)
}
