package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse(lookup(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, "gemini-2.5-flash", c.Engines.Fast)
	assert.Equal(t, []string{"pro", "enterprise"}, c.Routing.PremiumTiers)
	assert.Equal(t, 7*24*time.Hour, c.Cache.ExactTTL)
	assert.Equal(t, 4000, c.Jobs.ChunkRunes)
	assert.Equal(t, "[[unavailable]]", c.Jobs.Placeholder)
	assert.True(t, c.Qdrant.Enabled)
	assert.Empty(t, c.NATS.URL)
}

func TestParse_Overrides(t *testing.T) {
	c, err := Parse(lookup(map[string]string{
		"PORT":                      "9000",
		"PREMIUM_TIERS":             " pro , ,team",
		"CACHE_MEMORY_TTL":          "90s",
		"ROUTER_COLLABORATION":      "true",
		"BREAKER_VOLUME":            "4",
		"ROUTER_ESCALATE_THRESHOLD": "0.4",
		"QDRANT_ENABLED":            "false",
		"LOG_FORMAT":                "console",
		"ENGINE_FAST":               "   ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", c.Server.Port)
	assert.Equal(t, []string{"pro", "team"}, c.Routing.PremiumTiers)
	assert.Equal(t, 90*time.Second, c.Cache.MemoryTTL)
	assert.True(t, c.Routing.Collaboration)
	assert.Equal(t, 4, c.Breaker.Volume)
	assert.InDelta(t, 0.4, c.Routing.EscalateThreshold, 1e-9)
	assert.False(t, c.Qdrant.Enabled)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, "gemini-2.5-flash", c.Engines.Fast, "blank values fall back to defaults")
}

func TestParse_CollectsErrors(t *testing.T) {
	_, err := Parse(lookup(map[string]string{
		"REDIS_DB":                "one",
		"CACHE_EXACT_TTL":         "forever",
		"ROUTER_COLLABORATION":    "maybe",
		"BREAKER_ERROR_THRESHOLD": "150",
		"CHUNK_RUNES":             "0",
	}))
	require.Error(t, err)
	for _, key := range []string{"REDIS_DB", "CACHE_EXACT_TTL", "ROUTER_COLLABORATION", "BREAKER_ERROR_THRESHOLD", "CHUNK_RUNES"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env.test")
	require.NoError(t, os.WriteFile(file, []byte("NATS_URL=nats://localhost:4222\nJOB_WORKERS=3\n"), 0o600))
	t.Setenv("ENV_FILE", file)
	t.Setenv("NATS_URL", "")
	t.Setenv("JOB_WORKERS", "")
	require.NoError(t, os.Unsetenv("NATS_URL"))
	require.NoError(t, os.Unsetenv("JOB_WORKERS"))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.NATS.URL)
	assert.Equal(t, 3, c.Jobs.Workers)
}
