package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 256, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 100000, cfg.Server.MaxConnections)
	assert.Equal(t, 256, cfg.Server.OutboxSize)
	assert.Equal(t, time.Second, cfg.Notify.AccountBlockedGrace)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.False(t, cfg.Router.FilterReadReceipts)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	data := []byte(`
server:
  listen_addr: ":9090"
  read_timeout: 3s
router:
  filter_read_receipts: true
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.True(t, cfg.Router.FilterReadReceipts)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envMap(map[string]string{
		"LISTEN_ADDR":          ":7000",
		"WORKER_POOL_SIZE":     "32",
		"MAX_CONNECTIONS":      "-4",
		"READ_TIMEOUT":         "bogus",
		"WRITE_TIMEOUT":        "2s",
		"REDIS_ADDR":           "redis:6379",
		"DATABASE_URL":         "postgres://x",
		"FILTER_READ_RECEIPTS": "true",
	}))

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, 32, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 100000, cfg.Server.MaxConnections, "negative value ignored")
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout, "malformed duration ignored")
	assert.Equal(t, 2*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://x", cfg.Postgres.URL)
	assert.True(t, cfg.Router.FilterReadReceipts)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.OutboxSize = 0
	assert.Error(t, cfg.Validate())
}
