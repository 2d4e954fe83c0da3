package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, `
server:
  base_url: http://127.0.0.1:8000/api
  websocket_url: ws://127.0.0.1:8000/ws
session:
  user_id: U1
  token: secret
storage:
  retention_age: 168h
memory:
  max_messages: 300
  hard_limit: 64MB
  cleanup_interval: 30
sync:
  preload_limit: 20
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, SizeBytes(64_000_000), cfg.Memory.HardLimit)
	assert.Equal(t, 30*time.Second, cfg.Memory.CleanupInterval.Duration())
	assert.Equal(t, DefaultCacheFile, cfg.Storage.CacheFile)
	assert.Equal(t, DefaultRetentionCron, cfg.Storage.RetentionCron)

	ec := cfg.Engine()
	assert.Equal(t, "U1", ec.SelfID)
	assert.Equal(t, 300, ec.Limits.MaxMessages)
	assert.Equal(t, int64(64_000_000), ec.Limits.HardLimitBytes)
	assert.Equal(t, 7*24*time.Hour, ec.RetentionAge)
	assert.Equal(t, 20, ec.PreloadLimit)
	assert.Equal(t, float64(DefaultSendRate), ec.SendRate)
}

func TestEnvOverrides(t *testing.T) {
	p := writeConfig(t, `
server:
  base_url: http://a
  websocket_url: ws://a
session:
  token: file
`)
	t.Setenv("CHATMIRROR_TOKEN", "env")
	t.Setenv("CHATMIRROR_HARD_LIMIT", "1GiB")
	t.Setenv("CHATMIRROR_RETENTION_CRON", "off")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.Session.Token)
	assert.Equal(t, SizeBytes(1<<30), cfg.Memory.HardLimit)
	assert.Empty(t, cfg.Engine().RetentionCron)
}

func TestValidate(t *testing.T) {
	for name, body := range map[string]string{
		"missing websocket": "server: {base_url: http://a}\nsession: {token: t}\n",
		"missing token":     "server: {base_url: http://a, websocket_url: ws://a}\n",
		"bad cron":          "server: {base_url: http://a, websocket_url: ws://a}\nsession: {token: t}\nstorage: {retention_cron: 'every day'}\n",
		"bad size":          "server: {base_url: http://a, websocket_url: ws://a}\nsession: {token: t}\nmemory: {hard_limit: lots}\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
