package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeFile(t, "config.yaml", `
origin: http://127.0.0.1:3000
version: v2.0.0
client_idle: 5m
retain: ["keep-*"]
classifier:
  api_prefixes: ["/v1/"]
store:
  type: redis
  redis_addr: 127.0.0.1:6379
`)
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, p, used)
	assert.Equal(t, "http://127.0.0.1:3000", cfg.Origin)
	assert.Equal(t, "v2.0.0", cfg.Version)
	assert.Equal(t, 5*time.Minute, cfg.ClientIdle)
	assert.Equal(t, []string{"keep-*"}, cfg.Retain)
	assert.Equal(t, "redis", cfg.Store.Type)

	// defaults
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, offlinecache.DefaultName, cfg.Name)
	assert.True(t, cfg.SkipWaiting)
	assert.Equal(t, offlinecache.DefaultNetworkTimeout, cfg.NetworkTimeout)

	p2 := cfg.patterns()
	assert.Equal(t, []string{"/v1/"}, p2.APIPrefixes)
	assert.Equal(t, []string{"/static/"}, p2.StaticPrefixes)
}

func TestLoadConfigUnknownKey(t *testing.T) {
	p := writeFile(t, "config.yaml", "origin: http://origin\nunknown_key: 1\n")
	_, _, err := loadConfig(p)
	assert.Error(t, err)
}

func TestManifest(t *testing.T) {
	cfg := &Config{}
	m, err := cfg.manifest()
	require.NoError(t, err)
	assert.Equal(t, offlinecache.DefaultManifest(), m)

	cfg.Manifest = []string{"/", "/static/app.js"}
	m, err = cfg.manifest()
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/static/app.js"}, m)

	cfg.ManifestFile = writeFile(t, "manifest.yaml", "- /\n- /static/other.js\n")
	m, err = cfg.manifest()
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/static/other.js"}, m)

	cfg.ManifestFile = writeFile(t, "broken.yaml", "a: [")
	_, err = cfg.manifest()
	assert.Error(t, err)
}

func TestNewStore(t *testing.T) {
	s, err := newStore(StoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = newStore(StoreConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = newStore(StoreConfig{Type: "bogus"})
	assert.Error(t, err)
}
