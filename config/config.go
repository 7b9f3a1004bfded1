package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"go-simpler.org/env"
)

type Config struct {
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`

	JWTSecret    string        `env:"JWT_SECRET"`
	JWTAlgorithm string        `env:"JWT_ALGORITHM" default:"HS256"`
	JWTIssuer    string        `env:"JWT_ISSUER"`
	JWTAudience  string        `env:"JWT_AUDIENCE"`
	JWTLeeway    time.Duration `env:"JWT_LEEWAY" default:"10s"`
	SystemAPIKey string        `env:"SYSTEM_API_KEY"`

	BrokerDriver       string `env:"BROKER_DRIVER" default:"redis"`
	RedisAddr          string `env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RedisDB            int    `env:"REDIS_DB" default:"0"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX"`

	WSMaxConnections  int           `env:"WS_MAX_CONNECTIONS" default:"1000"`
	WSPingInterval    time.Duration `env:"WS_PING_INTERVAL" default:"30s"`
	WSIdleTimeout     time.Duration `env:"WS_IDLE_TIMEOUT" default:"90s"`
	WSWriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" default:"10s"`
	WSReadBufferSize  int           `env:"WS_READ_BUFFER_SIZE" default:"1024"`
	WSWriteBufferSize int           `env:"WS_WRITE_BUFFER_SIZE" default:"1024"`
	WSMaxMessageSize  int64         `env:"WS_MAX_MESSAGE_SIZE" default:"65536"`
	WSSendBuffer      int           `env:"WS_SEND_BUFFER" default:"256"`

	WebhookWorkers          int  `env:"WEBHOOK_WORKERS" default:"4"`
	WebhookQueueSize        int  `env:"WEBHOOK_QUEUE_SIZE" default:"1024"`
	WebhookStrictSignatures bool `env:"WEBHOOK_STRICT_SIGNATURES" default:"false"`
	WebhookMaxBodyBytes     int  `env:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// SocketConfig holds WebSocket transport settings.
type SocketConfig struct {
	MaxConnections  int
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch strings.ToUpper(cfg.JWTAlgorithm) {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("JWT_ALGORITHM must be HS256, HS384 or HS512, got %q", cfg.JWTAlgorithm)
	}

	switch cfg.BrokerDriver {
	case bridge.DriverRedis:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when BROKER_DRIVER=redis")
		}
	case bridge.DriverMemory:
	default:
		return fmt.Errorf("BROKER_DRIVER must be %q or %q, got %q", bridge.DriverRedis, bridge.DriverMemory, cfg.BrokerDriver)
	}

	positive := map[string]int{
		"WS_READ_BUFFER_SIZE":    cfg.WSReadBufferSize,
		"WS_WRITE_BUFFER_SIZE":   cfg.WSWriteBufferSize,
		"WS_SEND_BUFFER":         cfg.WSSendBuffer,
		"WEBHOOK_WORKERS":        cfg.WebhookWorkers,
		"WEBHOOK_QUEUE_SIZE":     cfg.WebhookQueueSize,
		"WEBHOOK_MAX_BODY_BYTES": cfg.WebhookMaxBodyBytes,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.WSMaxConnections < 0 {
		return errors.New("WS_MAX_CONNECTIONS must not be negative")
	}
	if cfg.WSMaxMessageSize <= 0 {
		return errors.New("WS_MAX_MESSAGE_SIZE must be positive")
	}

	if cfg.WSPingInterval <= 0 || cfg.WSIdleTimeout <= 0 || cfg.WSWriteTimeout <= 0 {
		return errors.New("WS_PING_INTERVAL, WS_IDLE_TIMEOUT and WS_WRITE_TIMEOUT must be positive")
	}
	if cfg.WSIdleTimeout <= cfg.WSPingInterval {
		return fmt.Errorf("WS_IDLE_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}

	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func (c *Config) Auth() auth.Config {
	return auth.Config{
		JWTSecret:    c.JWTSecret,
		JWTAlgorithm: strings.ToUpper(c.JWTAlgorithm),
		Issuer:       c.JWTIssuer,
		Audience:     c.JWTAudience,
		Leeway:       c.JWTLeeway,
		SystemAPIKey: c.SystemAPIKey,
	}
}

func (c *Config) Redis() *bridge.RedisConfig {
	return &bridge.RedisConfig{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		Prefix:   c.RedisChannelPrefix,
	}
}

func (c *Config) Socket() SocketConfig {
	return SocketConfig{
		MaxConnections:  c.WSMaxConnections,
		PingInterval:    c.WSPingInterval,
		IdleTimeout:     c.WSIdleTimeout,
		WriteTimeout:    c.WSWriteTimeout,
		ReadBufferSize:  c.WSReadBufferSize,
		WriteBufferSize: c.WSWriteBufferSize,
		MaxMessageSize:  c.WSMaxMessageSize,
		SendBuffer:      c.WSSendBuffer,
	}
}
