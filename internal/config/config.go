// Package config carries the relay's file-backed configuration: one YAML
// file, TINGLY_RELAY_* environment overrides applied on top, and a fsnotify
// watcher that reloads the file while the server runs.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tingly-dev/tingly-relay/internal/health"
)

// KV backend names accepted in kv.backend.
const (
	KVBackendMemory = "memory"
	KVBackendRedis  = "redis"
)

// Config is the full relay configuration.
type Config struct {
	Server   Server        `yaml:"server" json:"server"`
	Database Database      `yaml:"database" json:"database"`
	KV       KV            `yaml:"kv" json:"kv"`
	Log      Log           `yaml:"log" json:"log"`
	Gateway  Gateway       `yaml:"gateway" json:"gateway"`
	Health   health.Config `yaml:"health" json:"health"`
	Record   Record        `yaml:"record" json:"record"`
	Metrics  Metrics       `yaml:"metrics" json:"metrics"`
	Auth     Auth          `yaml:"auth" json:"auth"`

	// Path is the file this config was loaded from. Not serialized.
	Path string `yaml:"-" json:"-"`
}

// Server configures the HTTP listener.
type Server struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// ShutdownTimeoutSeconds bounds the graceful drain on SIGTERM.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// Addr returns the listen address in host:port form.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ShutdownTimeout returns the graceful-shutdown bound as a duration.
func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Database locates the sqlite file.
type Database struct {
	Path string `yaml:"path" json:"path"`
}

// KV selects the key-value backend for continuation state.
type KV struct {
	Backend string `yaml:"backend" json:"backend"`
	Redis   Redis  `yaml:"redis" json:"redis"`
}

// Redis holds connection details for the redis backend.
type Redis struct {
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Log configures process logging. An empty File logs to stderr only;
// otherwise the file is rotated by size and age.
type Log struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Gateway holds the routing defaults applied when a provider mapping leaves
// the matching field unset.
type Gateway struct {
	DefaultTimeoutSeconds int          `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
	DefaultMaxRetries     int          `yaml:"default_max_retries" json:"default_max_retries"`
	DefaultRetryDelayMs   int          `yaml:"default_retry_delay_ms" json:"default_retry_delay_ms"`
	Continuation          Continuation `yaml:"continuation" json:"continuation"`
}

// Timeout returns the default upstream timeout as a duration.
func (g Gateway) Timeout() time.Duration {
	return time.Duration(g.DefaultTimeoutSeconds) * time.Second
}

// RetryDelay returns the default same-candidate retry pause as a duration.
func (g Gateway) RetryDelay() time.Duration {
	return time.Duration(g.DefaultRetryDelayMs) * time.Millisecond
}

// Continuation toggles thinking-signature carryover across protocol
// boundaries.
type Continuation struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	TTLDays int  `yaml:"ttl_days" json:"ttl_days"`
}

// TTL returns the carryover retention as a duration.
func (c Continuation) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// Record configures the upstream traffic recorder. An empty Mode disables
// recording.
type Record struct {
	Mode   string `yaml:"mode" json:"mode"`
	Dir    string `yaml:"dir" json:"dir"`
	Filter string `yaml:"filter" json:"filter"`
}

// Metrics configures the OTel meter. With Enabled set, a non-empty
// OTLPEndpoint exports over gRPC and Stdout dumps readings to the console.
type Metrics struct {
	Enabled               bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint          string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Stdout                bool   `yaml:"stdout" json:"stdout"`
	ExportIntervalSeconds int    `yaml:"export_interval_seconds" json:"export_interval_seconds"`
}

// ExportInterval returns the time between metric exports.
func (m Metrics) ExportInterval() time.Duration {
	return time.Duration(m.ExportIntervalSeconds) * time.Second
}

// Auth holds the admin-token signing secret.
type Auth struct {
	JWTSecret          string `yaml:"jwt_secret" json:"jwt_secret"`
	AdminTokenTTLHours int    `yaml:"admin_token_ttl_hours" json:"admin_token_ttl_hours"`
}

// AdminTokenTTL returns the admin token lifetime as a duration.
func (a Auth) AdminTokenTTL() time.Duration {
	return time.Duration(a.AdminTokenTTLHours) * time.Hour
}

// Default returns the configuration used when the file or a field is absent.
func Default() *Config {
	confDir := DefaultConfDir()
	return &Config{
		Server: Server{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ShutdownTimeoutSeconds: 10,
		},
		Database: Database{
			Path: filepath.Join(confDir, DatabaseFileName),
		},
		KV: KV{
			Backend: KVBackendMemory,
			Redis:   Redis{Addr: "127.0.0.1:6379"},
		},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Gateway: Gateway{
			DefaultTimeoutSeconds: 300,
			DefaultMaxRetries:     0,
			DefaultRetryDelayMs:   1000,
			Continuation: Continuation{
				Enabled: true,
				TTLDays: 30,
			},
		},
		Health: health.DefaultConfig(),
		Record: Record{
			Dir: filepath.Join(confDir, RecordsDirName),
		},
		Metrics: Metrics{
			ExportIntervalSeconds: 10,
		},
		Auth: Auth{
			AdminTokenTTLHours: 24 * 7,
		},
	}
}

// Load reads the config file at path (the default location when path is
// empty), creating it with defaults on first run, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Path = path
		// A missing secret is generated once and written back, so admin
		// tokens survive restarts.
		if cfg.Auth.JWTSecret == "" {
			cfg.Auth.JWTSecret = generateSecret()
			if err := cfg.save(); err != nil {
				return nil, fmt.Errorf("failed to persist generated jwt secret: %w", err)
			}
		}
	case os.IsNotExist(err):
		cfg.Path = path
		cfg.Auth.JWTSecret = generateSecret()
		if err := cfg.save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// save writes the configuration to its file. The file carries the jwt
// secret and redis password, hence the restrictive mode.
func (c *Config) save() error {
	if c.Path == "" {
		return fmt.Errorf("config file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0600)
}

// applyEnv overlays TINGLY_RELAY_* environment variables onto the loaded
// values. A set-but-empty variable clears the field.
func (c *Config) applyEnv() error {
	envString("HOST", &c.Server.Host)
	if err := envInt("PORT", &c.Server.Port); err != nil {
		return err
	}
	envString("DB_PATH", &c.Database.Path)
	envString("KV_BACKEND", &c.KV.Backend)
	envString("REDIS_ADDR", &c.KV.Redis.Addr)
	envString("REDIS_USERNAME", &c.KV.Redis.Username)
	envString("REDIS_PASSWORD", &c.KV.Redis.Password)
	if err := envInt("REDIS_DB", &c.KV.Redis.DB); err != nil {
		return err
	}
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("LOG_FILE", &c.Log.File)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("RECORD_MODE", &c.Record.Mode)
	envString("RECORD_DIR", &c.Record.Dir)
	envString("OTLP_ENDPOINT", &c.Metrics.OTLPEndpoint)
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, v)
	}
	*dst = n
	return nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	switch c.KV.Backend {
	case KVBackendMemory:
	case KVBackendRedis:
		if c.KV.Redis.Addr == "" {
			return fmt.Errorf("kv.redis.addr is required when kv.backend is %q", KVBackendRedis)
		}
	default:
		return fmt.Errorf("kv.backend %q is not %q or %q", c.KV.Backend, KVBackendMemory, KVBackendRedis)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not \"text\" or \"json\"", c.Log.Format)
	}
	switch c.Record.Mode {
	case "", "all", "response":
	default:
		return fmt.Errorf("record.mode %q is not \"all\" or \"response\"", c.Record.Mode)
	}
	if c.Gateway.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("gateway.default_timeout_seconds must not be negative")
	}
	if c.Gateway.DefaultMaxRetries < 0 {
		return fmt.Errorf("gateway.default_max_retries must not be negative")
	}
	if c.Gateway.DefaultRetryDelayMs < 0 {
		return fmt.Errorf("gateway.default_retry_delay_ms must not be negative")
	}
	return nil
}

// generateSecret mints a random signing secret for admin tokens.
func generateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
