package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
server:
  port: 8090
auth:
  mode: hmac
mesh:
  node_id: node-a
  queue_size: 64
  overflow_policy: block
  peers:
    - name: node-b
      url: ws://peer-b:8080/mesh/*
      topic: "*"
decay:
  default_ttl: 1m
  ttl:
    Query: 30s
    update: 2m
ledger:
  sync_append: true
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfigYAML), 0o600))
	t.Chdir(dir)
	t.Setenv("AUTH_SHARED_SECRET_DATA", "test-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, 8090, cfg.Server.Port)
	require.Equal(t, "node-a", cfg.Mesh.NodeID)
	require.Equal(t, 64, cfg.Mesh.QueueSize)
	require.Equal(t, "block", cfg.Mesh.OverflowPolicy)
	require.Equal(t, []byte("test-secret"), cfg.Auth.SharedSecret)
	require.True(t, cfg.Ledger.SyncAppend)

	require.Len(t, cfg.Mesh.Peers, 1)
	require.Equal(t, "node-b", cfg.Mesh.Peers[0].Name)
	require.Equal(t, "*", cfg.Mesh.Peers[0].Topic)

	// Дефолты подставляются для незаданных секций
	require.Equal(t, 10*time.Second, cfg.Mesh.HandshakeTimeout)
	require.Equal(t, 100, cfg.Ledger.BatchSize)
	require.Equal(t, "info", cfg.Logger.Level)

	// Ключи TTL нормализуются к нижнему регистру
	ttls := cfg.IntentTTLs()
	require.Equal(t, 30*time.Second, ttls["query"])
	require.Equal(t, 2*time.Minute, ttls["update"])
}

func TestLoadConfigRequiresTTL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SHARED_SECRET_DATA", "test-secret")

	// Без файла и без decay.* валидация обязана отклонить конфиг:
	// TTL — вход деплоймента, значения по умолчанию не угадываются.
	_, err := LoadConfig()
	require.ErrorContains(t, err, "decay")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Auth:  AuthConfig{Mode: "hmac", SharedSecret: []byte("s")},
			Mesh:  MeshConfig{QueueSize: 16, OverflowPolicy: "drop_oldest"},
			Decay: DecayConfig{DefaultTTL: time.Minute},
		}
	}
	require.NoError(t, valid().validate())

	c := valid()
	c.Mesh.OverflowPolicy = "unbounded"
	require.ErrorContains(t, c.validate(), "overflow_policy")

	c = valid()
	c.Mesh.QueueSize = 0
	require.ErrorContains(t, c.validate(), "queue_size")

	c = valid()
	c.Auth.Mode = "none"
	require.ErrorContains(t, c.validate(), "auth")

	c = valid()
	c.Auth.SharedSecret = nil
	require.ErrorContains(t, c.validate(), "shared secret")

	// jwt-режим не требует общего секрета
	c = valid()
	c.Auth.Mode = "jwt"
	c.Auth.SharedSecret = nil
	require.NoError(t, c.validate())

	// Достаточно per-intent TTL без default
	c = valid()
	c.Decay.DefaultTTL = 0
	c.Decay.TTL = map[string]time.Duration{"query": time.Minute}
	require.NoError(t, c.validate())
}

func TestLoadKeyResourcePrefersEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))

	require.Equal(t, []byte("from-file"), loadKeyResource(path, "MISSING_ENV_KEY"))

	t.Setenv("PRESENT_ENV_KEY", "from-env")
	require.Equal(t, []byte("from-env"), loadKeyResource(path, "PRESENT_ENV_KEY"))

	require.Nil(t, loadKeyResource(filepath.Join(dir, "missing"), "MISSING_ENV_KEY"))
	require.Nil(t, loadKeyResource("", "MISSING_ENV_KEY"))
}
