package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 100, cfg.WebSocket.QueueSize)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Empty(t, cfg.Redis.Addr, "redis cache is opt-in")
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"negative port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"zero ping", func(c *Config) { c.WebSocket.PingInterval = 0 }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero queue", func(c *Config) { c.WebSocket.QueueSize = 0 }},
		{"zero frame limit", func(c *Config) { c.WebSocket.MaxFrameBytes = 0 }},
		{"zero persist timeout", func(c *Config) { c.Relay.PersistTimeout = 0 }},
		{"database without timeout", func(c *Config) { c.Database.Timeout = 0 }},
		{"redis without limit", func(c *Config) { c.Redis.Addr = "localhost:6379"; c.Redis.HistoryLimit = 0 }},
		{"zero rate", func(c *Config) { c.Relay.RatePerMinute = 0 }},
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeout = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_DatabaseDisabledSkipsChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = ""
	cfg.Database.Timeout = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("CHATRELAY_HTTP_PORT", "9090")
	t.Setenv("CHATRELAY_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("CHATRELAY_SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("CHATRELAY_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHATRELAY_RELAY_BURST", "not-a-number")

	cfg := LoadFromEnv()

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, DefaultConfig().Relay.Burst, cfg.Relay.Burst, "unparseable values keep the default")
}

func TestConfig_LoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	content := `
http:
  port: 7070
websocket:
  ping_interval: 10s
  read_timeout: 25s
session:
  idle_timeout: 2m
log:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(cfg, path))

	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host, "absent keys keep defaults")
}

func TestConfig_LoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.json")
	content := `{"http": {"port": 6060}, "relay": {"rate_per_minute": 10}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(cfg, path))
	assert.Equal(t, 6060, cfg.HTTP.Port)
	assert.Equal(t, 10, cfg.Relay.RatePerMinute)
}

func TestConfig_Precedence(t *testing.T) {
	t.Setenv("CHATRELAY_HTTP_PORT", "9090")
	t.Setenv("CHATRELAY_HTTP_HOST", "127.0.0.1")

	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 7070\n"), 0o600))

	cfg, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port, "file wins over env")
	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host, "env wins over defaults")
}

func TestConfig_PrecedenceErrors(t *testing.T) {
	_, err := LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: -1\n"), 0o600))
	_, err = LoadConfigWithPrecedence(path)
	assert.ErrorContains(t, err, "invalid configuration")

	ephemeral := filepath.Join(t.TempDir(), "ephemeral.yaml")
	require.NoError(t, os.WriteFile(ephemeral, []byte("http:\n  port: 0\n"), 0o600))
	cfg, err := LoadConfigWithPrecedence(ephemeral)
	require.NoError(t, err, "port 0 binds an ephemeral port")
	assert.Zero(t, cfg.HTTP.Port)
}
