package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "relay.yaml")
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := testConfigPath(t)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, KVBackendMemory, cfg.KV.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Health.ConsecutiveErrorThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.Timeout())
	assert.True(t, cfg.Gateway.Continuation.Enabled)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, path, cfg.Path)

	// First run writes the file, so there is something to watch and edit.
	_, err = os.Stat(path)
	require.NoError(t, err)

	// The generated secret is persisted, not re-rolled per boot.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Auth.JWTSecret, again.Auth.JWTSecret)
}

func TestLoadReadsYAML(t *testing.T) {
	path := testConfigPath(t)
	body := `
server:
  host: 127.0.0.1
  port: 9090
kv:
  backend: redis
  redis:
    addr: 10.0.0.5:6379
    db: 2
log:
  level: debug
  format: json
gateway:
  default_timeout_seconds: 120
  default_max_retries: 2
  default_retry_delay_ms: 250
record:
  mode: response
  filter: 'StatusCode >= 500'
auth:
  jwt_secret: sekrit
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, KVBackendRedis, cfg.KV.Backend)
	assert.Equal(t, "10.0.0.5:6379", cfg.KV.Redis.Addr)
	assert.Equal(t, 2, cfg.KV.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.Timeout())
	assert.Equal(t, 2, cfg.Gateway.DefaultMaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.RetryDelay())
	assert.Equal(t, "response", cfg.Record.Mode)
	assert.Equal(t, "StatusCode >= 500", cfg.Record.Filter)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, 3, cfg.Health.ConsecutiveErrorThreshold)
	assert.True(t, cfg.Gateway.Continuation.Enabled)
	assert.Equal(t, 30*24*time.Hour, cfg.Gateway.Continuation.TTL())
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := testConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0600))

	t.Setenv("TINGLY_RELAY_PORT", "9191")
	t.Setenv("TINGLY_RELAY_LOG_LEVEL", "warning")
	t.Setenv("TINGLY_RELAY_KV_BACKEND", "redis")
	t.Setenv("TINGLY_RELAY_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("TINGLY_RELAY_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "warning", cfg.Log.Level)
	assert.Equal(t, KVBackendRedis, cfg.KV.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.KV.Redis.Addr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestEnvRejectsBadInteger(t *testing.T) {
	path := testConfigPath(t)
	t.Setenv("TINGLY_RELAY_PORT", "not-a-port")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TINGLY_RELAY_PORT")
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := testConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown kv backend", func(c *Config) { c.KV.Backend = "etcd" }, "kv.backend"},
		{"redis without addr", func(c *Config) { c.KV.Backend = KVBackendRedis; c.KV.Redis.Addr = "" }, "kv.redis.addr"},
		{"unknown log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown record mode", func(c *Config) { c.Record.Mode = "sometimes" }, "record.mode"},
		{"negative retries", func(c *Config) { c.Gateway.DefaultMaxRetries = -1 }, "default_max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher(Default())
	require.Error(t, err)
}

func TestWatcherTriggerReload(t *testing.T) {
	path := testConfigPath(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)

	var got []int
	w.AddCallback(func(c *Config) { got = append(got, c.Server.Port) })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9292\nauth:\n  jwt_secret: s\n"), 0600))
	require.NoError(t, w.TriggerReload())

	assert.Equal(t, []int{9292}, got)
	assert.Equal(t, 9292, w.Current().Server.Port)
}

func TestWatcherKeepsConfigWhenReloadFails(t *testing.T) {
	path := testConfigPath(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("kv:\n  backend: etcd\n"), 0600))
	require.Error(t, w.TriggerReload())

	assert.Equal(t, KVBackendMemory, w.Current().KV.Backend)
	assert.Equal(t, 8080, w.Current().Server.Port)
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	path := testConfigPath(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	ports := make(chan int, 4)
	w.AddCallback(func(c *Config) { ports <- c.Server.Port })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9393\nauth:\n  jwt_secret: s\n"), 0600))
	// Push the mtime past filesystem timestamp granularity so the change
	// is never mistaken for the initial write.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case port := <-ports:
		assert.Equal(t, 9393, port)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
	assert.Equal(t, 9393, w.Current().Server.Port)
}
