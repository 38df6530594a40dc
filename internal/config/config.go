package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the typed view of the broker configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Cluster ClusterConfig `yaml:"cluster"`
	Redis   RedisConfig   `yaml:"redis"`
	Sink    SinkConfig    `yaml:"sink"`
	Auth    AuthConfig    `yaml:"auth"`
	ACL     ACLConfig     `yaml:"acl"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port          int    `yaml:"port"`
	TLSPort       int    `yaml:"tls-port"`
	TLSEnabled    bool   `yaml:"tls-enabled"`
	TLSCertPath   string `yaml:"tls-cert-path"`
	TLSKeyPath    string `yaml:"tls-key-path"`
	WSPort        int    `yaml:"websocket-port"`
	WSEnabled     bool   `yaml:"websocket-enabled"`
	WSPath        string `yaml:"websocket-path"`
	MaxMessageKiB int    `yaml:"max-message-kib"`
	Workers       int    `yaml:"workers"`
}

type MQTTConfig struct {
	KeepAliveMax   int `yaml:"keep-alive-max"`   // seconds
	SessionExpiry  int `yaml:"session-expiry"`   // seconds
	RetryInterval  int `yaml:"retry-interval"`   // seconds
	MaxRetries     int `yaml:"max-retries"`
	ConnectTimeout int `yaml:"connect-timeout"`  // seconds
}

type ClusterConfig struct {
	Enabled bool   `yaml:"enabled"`
	NodeID  string `yaml:"node-id"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool-size"`
}

type SinkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats-url"`
	SubjectPrefix string `yaml:"subject-prefix"`
}

type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "noop" or "sqlite"
	DBPath   string `yaml:"db-path"`
}

type ACLConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Provider     string `yaml:"provider"` // "noop", "simple" or "redis"
	DefaultAllow bool   `yaml:"default-allow"`
	Rules        []Rule `yaml:"rules"`
	RefreshSecs  int    `yaml:"refresh-interval"`
}

// Rule is a static ACL rule as written in the config file.
type Rule struct {
	ClientID string `yaml:"client-id"`
	Username string `yaml:"username"`
	Topic    string `yaml:"topic"`
	Action   string `yaml:"action"` // "publish", "subscribe" or "all"
	Allow    bool   `yaml:"allow"`
}

type LimitsConfig struct {
	RateLimitEnabled     bool `yaml:"rate-limit-enabled"`
	MaxConnectionsPerIP  int  `yaml:"max-connections-per-ip"`
	ConnectRatePerSecond int  `yaml:"connect-rate-per-second"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration, matching the documented
// defaults of the broker.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          1883,
			TLSPort:       8883,
			WSPort:        8083,
			WSPath:        "/mqtt",
			MaxMessageKiB: 64,
			Workers:       runtime.NumCPU(),
		},
		MQTT: MQTTConfig{
			KeepAliveMax:   300,
			SessionExpiry:  86400,
			RetryInterval:  10,
			MaxRetries:     3,
			ConnectTimeout: 10,
		},
		Cluster: ClusterConfig{
			Enabled: false,
			NodeID:  "node-1",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 32,
		},
		Sink: SinkConfig{
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "dynamq",
		},
		Auth: AuthConfig{
			Provider: "noop",
		},
		ACL: ACLConfig{
			Provider:     "noop",
			DefaultAllow: true,
			RefreshSecs:  30,
		},
		Limits: LimitsConfig{
			RateLimitEnabled:     true,
			MaxConnectionsPerIP:  100,
			ConnectRatePerSecond: 50,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path on top of the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Node identity may come from the environment so a single config file
	// can be shared by every node in the cluster.
	if v := os.Getenv("DYNAMQ_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv("DYNAMQ_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	return cfg, nil
}

// RetryInterval returns the QoS retry interval as a duration.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.MQTT.RetryInterval) * time.Second
}

// SessionExpiry returns the persistent-session TTL as a duration.
func (c *Config) SessionExpiry() time.Duration {
	return time.Duration(c.MQTT.SessionExpiry) * time.Second
}

// ConnectionTTL returns the TTL for the cluster connection record.
func (c *Config) ConnectionTTL() time.Duration {
	return time.Duration(c.MQTT.KeepAliveMax) * 2 * time.Second
}

// ConnectTimeout returns the transport-enforced CONNECT deadline.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeout) * time.Second
}

// MaxMessageSize returns the maximum accepted packet size in bytes.
func (c *Config) MaxMessageSize() int {
	return c.Server.MaxMessageKiB * 1024
}
