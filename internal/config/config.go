package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment variable the server reads.
const EnvPrefix = "CHATRELAY_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Relay     RelayConfig     `yaml:"relay" json:"relay"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Crypto    CryptoConfig    `yaml:"crypto" json:"crypto"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// WebSocketConfig tunes the transport adapter.
// FUNCTIONAL DISCOVERY: QueueSize bounds each connection's outbound queue;
// a peer that falls that far behind is disconnected rather than slowing the
// session down.
type WebSocketConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval" json:"ping_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" json:"write_timeout"`
	QueueSize     int           `yaml:"queue_size" json:"queue_size"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes" json:"max_frame_bytes"`
}

// DatabaseConfig controls the durable store. An empty Path disables it.
type DatabaseConfig struct {
	Path           string        `yaml:"path" json:"path"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MaxConnections int           `yaml:"max_connections" json:"max_connections"`
}

// RedisConfig controls the recent-history cache. An empty Addr disables it.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	HistoryLimit int           `yaml:"history_limit" json:"history_limit"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
}

// AuthConfig selects the identity provider. Without a JWT secret the
// server trusts user_id and role query parameters.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
}

// RelayConfig tunes the message relay. PersistTimeout bounds how long a
// store write may hold up fan-out in its session.
type RelayConfig struct {
	RatePerMinute  int           `yaml:"rate_per_minute" json:"rate_per_minute"`
	Burst          int           `yaml:"burst" json:"burst"`
	PersistTimeout time.Duration `yaml:"persist_timeout" json:"persist_timeout"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// CryptoConfig holds the base64 AES key for message content at rest.
type CryptoConfig struct {
	Key string `yaml:"key" json:"key"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns settings suitable for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			QueueSize:     100,
			MaxFrameBytes: 64 * 1024,
		},
		Database: DatabaseConfig{
			Path:           "./data/chatrelay.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Redis: RedisConfig{
			HistoryLimit: 200,
			TTL:          24 * time.Hour,
		},
		Relay: RelayConfig{
			RatePerMinute:  100,
			Burst:          20,
			PersistTimeout: 2 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.QueueSize <= 0 {
		return errors.New("WebSocket queue size must be positive")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return errors.New("WebSocket max frame bytes must be positive")
	}

	if c.Database.Path != "" {
		if c.Database.Timeout <= 0 {
			return errors.New("database timeout must be positive")
		}
		if c.Database.MaxConnections <= 0 {
			return errors.New("database max connections must be positive")
		}
	}

	if c.Redis.Addr != "" && c.Redis.HistoryLimit <= 0 {
		return errors.New("redis history limit must be positive")
	}

	if c.Relay.RatePerMinute <= 0 {
		return errors.New("relay rate per minute must be positive")
	}
	if c.Relay.Burst <= 0 {
		return errors.New("relay burst must be positive")
	}
	if c.Relay.PersistTimeout <= 0 {
		return errors.New("relay persist timeout must be positive")
	}

	if c.Session.IdleTimeout <= 0 {
		return errors.New("session idle timeout must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("session sweep interval must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}

	return nil
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv returns defaults overridden by CHATRELAY_* variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	envString("HTTP_HOST", &cfg.HTTP.Host)
	envInt("HTTP_PORT", &cfg.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &cfg.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_QUEUE_SIZE", &cfg.WebSocket.QueueSize)
	if v, ok := lookup("WEBSOCKET_MAX_FRAME_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.WebSocket.MaxFrameBytes = n
		}
	}

	envString("DATABASE_PATH", &cfg.Database.Path)
	envDuration("DATABASE_TIMEOUT", &cfg.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &cfg.Database.MaxConnections)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envInt("REDIS_HISTORY_LIMIT", &cfg.Redis.HistoryLimit)
	envDuration("REDIS_TTL", &cfg.Redis.TTL)

	envString("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("AUTH_ISSUER", &cfg.Auth.Issuer)

	envInt("RELAY_RATE_PER_MINUTE", &cfg.Relay.RatePerMinute)
	envInt("RELAY_BURST", &cfg.Relay.Burst)
	envDuration("RELAY_PERSIST_TIMEOUT", &cfg.Relay.PersistTimeout)

	envDuration("SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)
	envDuration("SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval)

	envString("CRYPTO_KEY", &cfg.Crypto.Key)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
}

// LoadFromFile overlays a YAML (or JSON) file onto cfg. Keys absent from
// the file keep their current values.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence builds the runtime config: defaults, then
// environment, then the optional file. The result is validated.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := LoadFromEnv()

	if path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v, ok := lookup(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}
