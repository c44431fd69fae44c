package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	fgerrors "fieldgw/pkg/errors"
)

// ServerConfig configures the rendezvous signaling server.
type ServerConfig struct {
	Address    string `yaml:"address" env:"FIELDGW_SIGNAL_ADDRESS"`
	InstanceID string `yaml:"instance_id" env:"FIELDGW_INSTANCE_ID"`

	JWT struct {
		Secret   string        `yaml:"secret" env:"FIELDGW_JWT_SECRET"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"jwt"`

	LoginTimeout time.Duration `yaml:"login_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RateLimit struct {
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	HTTPRateLimit HTTPRateLimitConfig `yaml:"http_rate_limit"`

	Redis   RedisConfig        `yaml:"redis"`
	Devices []DeviceCredential `yaml:"devices"`
	Logging LoggingConfig      `yaml:"logging"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"FIELDGW_REDIS_ENABLED"`
	Address  string `yaml:"address" env:"FIELDGW_REDIS_ADDRESS"`
	Password string `yaml:"password" env:"FIELDGW_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DeviceCredential is one entry of the login table.
type DeviceCredential struct {
	ProjectID string `yaml:"projectid"`
	DeviceID  string `yaml:"device_id"`
	Password  string `yaml:"password"`
}

func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		Address:      ":2883",
		LoginTimeout: 5 * time.Second,
		PingInterval: 15 * time.Second,
		PongTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   256,

		ShutdownTimeout: 10 * time.Second,
	}
	cfg.JWT.TokenTTL = 24 * time.Hour
	cfg.RateLimit.MessagesPerSecond = 200
	cfg.RateLimit.Burst = 400
	cfg.HTTPRateLimit.Enabled = true
	cfg.HTTPRateLimit.RequestsPerSecond = 20
	cfg.HTTPRateLimit.Burst = 40
	cfg.HTTPRateLimit.MaxConcurrent = 256
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func (c *ServerConfig) Validate() error {
	if c.Address == "" {
		return illegal("address must not be empty")
	}
	if c.JWT.Secret == "" {
		return illegal("jwt.secret must not be empty")
	}
	if c.JWT.TokenTTL <= 0 {
		return illegal("jwt.token_ttl must be > 0")
	}
	if c.LoginTimeout <= 0 || c.PingInterval <= 0 || c.WriteTimeout <= 0 {
		return illegal("login_timeout, ping_interval and write_timeout must be > 0")
	}
	if c.SendBuffer <= 0 {
		return illegal("send_buffer must be > 0")
	}
	if c.PongTimeout <= c.PingInterval {
		return illegal("pong_timeout must be > ping_interval")
	}
	if c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return illegal("rate_limit values must be > 0")
	}
	if err := c.HTTPRateLimit.validate("http_rate_limit"); err != nil {
		return err
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return illegal("redis.address must not be empty when redis.enabled=true")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ProjectID == "" || d.DeviceID == "" {
			return illegal(fmt.Sprintf("devices[%d]: projectid and device_id are required", i))
		}
		key := d.ProjectID + "/" + d.DeviceID
		if seen[key] {
			return illegal(fmt.Sprintf("devices[%d]: duplicate device %s", i, key))
		}
		seen[key] = true
	}
	return nil
}

// ParseServer decodes a server configuration on top of the defaults.
func ParseServer(data []byte) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.ConfigParseFailed, "failed to decode server configuration")
	}
	if err := readEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fgerrors.Wrap(err, fgerrors.ConfigUnexist, fmt.Sprintf("config file %s does not exist", path))
	}
	if err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.ConfigParseFailed, fmt.Sprintf("failed to read config file %s", path))
	}
	return ParseServer(data)
}
