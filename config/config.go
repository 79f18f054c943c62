// Package config reads the key service's tunable configuration from the
// environment on every call, so callers that want a live-reloadable value
// call Load again rather than holding onto a stale struct.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the cache tuning surface described by aegis's env vars.
type Config struct {
	// CacheLimit is the maximum number of entries in the by-UUID index.
	CacheLimit int `envconfig:"CACHE_LIMIT" default:"100000"`

	// CacheMaxAgeSec is the TTL, in seconds, applied to an entry at insert.
	CacheMaxAgeSec int `envconfig:"CACHE_MAX_AGE_SEC" default:"1800"`

	// CacheExpirationCheckSec is how often, in seconds, the TTL sweep runs.
	CacheExpirationCheckSec int `envconfig:"CACHE_EXPIRATION_CHECK_SEC" default:"10"`
}

// Load reads Config fresh from the environment under the AEGIS_ prefix.
// It never caches the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("aegis", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: reading environment: %w", err)
	}
	return cfg, nil
}
