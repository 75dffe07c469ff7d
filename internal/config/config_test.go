package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, loaded.File)
	assert.Equal(t, Default(), loaded.Config)
	assert.False(t, loaded.Config.FallbackLayout)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keys: /srv/keys/prod.keys
sector_size: 512
cache_sectors: 0
use_gpt: false
fallback_layout: true
log_format: json
`), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded.File)
	assert.Equal(t, "/srv/keys/prod.keys", loaded.Config.Keys)
	assert.Equal(t, 512, loaded.Config.SectorSize)
	assert.Zero(t, loaded.Config.CacheSectors)
	assert.False(t, loaded.Config.UseGPT)
	assert.True(t, loaded.Config.FallbackLayout)
	assert.Equal(t, "json", loaded.Config.LogFormat)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SWITCHFS_KEYS", "/tmp/keys.txt")
	t.Setenv("SWITCHFS_DEBUG", "true")

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/keys.txt", loaded.Config.Keys)
	assert.True(t, loaded.Config.Debug)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"sector size not power of two": func(c *Config) { c.SectorSize = 0x3000 },
		"negative cache":               func(c *Config) { c.CacheSectors = -1 },
		"negative workers":             func(c *Config) { c.Workers = -2 },
		"unknown log format":           func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestCipherOptions(t *testing.T) {
	c := Default()
	assert.Len(t, c.CipherOptions(), 1)

	c.Workers = 4
	assert.Len(t, c.CipherOptions(), 2)
}
