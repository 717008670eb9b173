package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
engine:
  recencyWindow: 45s
feed:
  channelPrefix: "ghost:"
deletion:
  recordInStore: true
`)
	cfg := LoadConfigFrom(path)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Engine.RecencyWindow)
	assert.Equal(t, "ghost:", cfg.Feed.ChannelPrefix)
	assert.True(t, cfg.Deletion.RecordInStore)
	// 文件中没有的字段保留默认值
	assert.Equal(t, 50, cfg.Engine.InboxLimit)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 5*time.Second, cfg.Feed.ReadyTimeout)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "engine:\n  inboxLimit: 20\n")
	t.Setenv("ENGINE_INBOX_LIMIT", "10")
	t.Setenv("PREFS_PATH", "/tmp/prefs")
	t.Setenv("FEED_READY_TIMEOUT", "1s")
	t.Setenv("METRICS_ENABLED", "false")

	cfg := LoadConfigFrom(path)
	assert.Equal(t, 10, cfg.Engine.InboxLimit)
	assert.Equal(t, "/tmp/prefs", cfg.Prefs.Path)
	assert.Equal(t, time.Second, cfg.Feed.ReadyTimeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestInvalidOrMissingFileFallsBack(t *testing.T) {
	def := getDefaultConfig()

	cfg := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, def.Engine, cfg.Engine)

	cfg = LoadConfigFrom(writeYAML(t, "engine: [not a map"))
	assert.Equal(t, def.Feed, cfg.Feed)
}

func TestValidate(t *testing.T) {
	require.NoError(t, getDefaultConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty secret", func(c *Config) { c.JWT.Secret = "" }},
		{"zero recency window", func(c *Config) { c.Engine.RecencyWindow = 0 }},
		{"zero inbox limit", func(c *Config) { c.Engine.InboxLimit = 0 }},
		{"empty channel prefix", func(c *Config) { c.Feed.ChannelPrefix = "" }},
		{"empty prefs path", func(c *Config) { c.Prefs.Path = "" }},
		{"ping not shorter than read timeout", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.ReadTimeout }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedisDBZeroOverride(t *testing.T) {
	path := writeYAML(t, "redis:\n  db: 3\n")
	t.Setenv("REDIS_DB", "0")
	assert.Equal(t, 0, LoadConfigFrom(path).Redis.DB)
}
