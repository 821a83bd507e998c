// Package config loads the server configuration: built-in defaults, then an
// optional YAML file, then EVERMEET_* environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Control ControlConfig `yaml:"control"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Mode           string `yaml:"mode"` // tcp or udp
	MaxConnections int    `yaml:"max_connections"`
	MaxFrameSize   int    `yaml:"max_frame_size"`
	ReadTimeout    int    `yaml:"read_timeout"`  // seconds, 0 disables
	WriteTimeout   int    `yaml:"write_timeout"` // seconds
	UDPWorkers     int    `yaml:"udp_workers"`
	UDPQueueSize   int    `yaml:"udp_queue_size"`
}

type SessionConfig struct {
	TTL           int `yaml:"ttl"`            // seconds, negative disables eviction
	SweepInterval int `yaml:"sweep_interval"` // seconds
	MaxSessions   int `yaml:"max_sessions"`   // 0 for no cap
}

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type ControlConfig struct {
	SocketPath string `yaml:"socket_path"` // empty disables the control socket
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "",
			Port:           3215,
			Mode:           "tcp",
			MaxConnections: 256,
			MaxFrameSize:   1024,
			ReadTimeout:    120,
			WriteTimeout:   30,
			UDPWorkers:     4,
			UDPQueueSize:   1000,
		},
		Session: SessionConfig{
			TTL:           600,
			SweepInterval: 60,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "evermeet.db",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "evermeet:",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Control: ControlConfig{
			SocketPath: "/tmp/evermeet.sock",
		},
	}
}

// Load builds the configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString("EVERMEET_HOST", &c.Server.Host)
	setInt("EVERMEET_PORT", &c.Server.Port)
	setString("EVERMEET_MODE", &c.Server.Mode)
	setInt("EVERMEET_MAX_CONNECTIONS", &c.Server.MaxConnections)
	setInt("EVERMEET_READ_TIMEOUT", &c.Server.ReadTimeout)
	setInt("EVERMEET_WRITE_TIMEOUT", &c.Server.WriteTimeout)

	setInt("EVERMEET_SESSION_TTL", &c.Session.TTL)
	setInt("EVERMEET_MAX_SESSIONS", &c.Session.MaxSessions)

	setString("EVERMEET_DB_DRIVER", &c.Store.Driver)
	setString("EVERMEET_DB_DSN", &c.Store.DSN)
	setString("EVERMEET_REDIS_ADDR", &c.Store.Redis.Addr)
	setString("EVERMEET_REDIS_PASSWORD", &c.Store.Redis.Password)
	setInt("EVERMEET_REDIS_DB", &c.Store.Redis.DB)

	setInt("EVERMEET_METRICS_PORT", &c.Metrics.Port)
	setString("EVERMEET_LOG_LEVEL", &c.Logging.Level)
	setString("EVERMEET_LOG_FORMAT", &c.Logging.Format)
	setString("EVERMEET_CONTROL_SOCKET", &c.Control.SocketPath)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", s.Port)
	}
	if s.Mode != "tcp" && s.Mode != "udp" {
		return fmt.Errorf("mode must be tcp or udp, got %q", s.Mode)
	}
	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}
	if s.MaxFrameSize < 64 || s.MaxFrameSize > 65507 {
		return fmt.Errorf("max_frame_size must be between 64 and 65507, got %d", s.MaxFrameSize)
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout cannot be negative, got %d", s.ReadTimeout)
	}
	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}
	if s.UDPWorkers < 1 {
		return fmt.Errorf("udp_workers must be at least 1, got %d", s.UDPWorkers)
	}
	if s.UDPQueueSize < 1 {
		return fmt.Errorf("udp_queue_size must be at least 1, got %d", s.UDPQueueSize)
	}
	return nil
}

func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (s *SessionConfig) Validate() error {
	if s.TTL == 0 {
		return fmt.Errorf("ttl cannot be zero, use a negative value to disable eviction")
	}
	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}
	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}
	return nil
}

func (s *SessionConfig) GetTTL() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

func (s *SessionConfig) GetSweepInterval() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case DriverSQLite, DriverPostgres:
		if s.DSN == "" {
			return fmt.Errorf("dsn cannot be empty for driver %s", s.Driver)
		}
	case DriverRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis.addr cannot be empty for driver redis")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	return nil
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("metrics port must be between 0 and 65535, got %d", m.Port)
	}
	return nil
}

func (m *MetricsConfig) Addr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", l.Format)
	}
	return nil
}
