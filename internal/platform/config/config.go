package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minSecretLength = 32

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	JWTSecret        string `env:"JWT_SECRET"`
	SessionSecret    string `env:"SESSION_SECRET"`
	InternalAPIToken string `env:"INTERNAL_API_TOKEN"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	SendQueueSize           int     `env:"SEND_QUEUE_SIZE" default:"16"`
	DeliveryWorkers         int     `env:"DELIVERY_WORKERS" default:"64"`
	RegistryShards          int     `env:"REGISTRY_SHARDS" default:"32"`
	MessageRate             float64 `env:"MESSAGE_RATE" default:"20"`
	MessageBurst            int     `env:"MESSAGE_BURST" default:"40"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"0"`
	ConnectRate             float64 `env:"CONNECT_RATE" default:"0"`
	ConnectBurst            int     `env:"CONNECT_BURST" default:"10"`

	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	PingInterval     time.Duration `env:"PING_INTERVAL" default:"30s"`
	PongTimeout      time.Duration `env:"PONG_TIMEOUT" default:"60s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" default:"10s"`
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
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
	positive := []struct {
		name  string
		value float64
	}{
		{"MAX_WEBSOCKET_CONNECTIONS", float64(cfg.MaxWebSocketConnections)},
		{"SEND_QUEUE_SIZE", float64(cfg.SendQueueSize)},
		{"DELIVERY_WORKERS", float64(cfg.DeliveryWorkers)},
		{"REGISTRY_SHARDS", float64(cfg.RegistryShards)},
		{"MESSAGE_RATE", cfg.MessageRate},
		{"MESSAGE_BURST", float64(cfg.MessageBurst)},
		{"WRITE_TIMEOUT", float64(cfg.WriteTimeout)},
		{"PING_INTERVAL", float64(cfg.PingInterval)},
		{"PONG_TIMEOUT", float64(cfg.PongTimeout)},
		{"HANDSHAKE_TIMEOUT", float64(cfg.HandshakeTimeout)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if cfg.MaxConnectionsPerIP < 0 || cfg.ConnectRate < 0 || cfg.ConnectBurst < 0 {
		return errors.New("MAX_CONNECTIONS_PER_IP, CONNECT_RATE and CONNECT_BURST must not be negative")
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		return errors.New("PONG_TIMEOUT must be greater than PING_INTERVAL")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLength)
	}
	if cfg.SessionSecret != "" && len(cfg.SessionSecret) < minSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSecretLength)
	}
	if _, err := url.Parse(cfg.AppURL); err != nil {
		return fmt.Errorf("APP_URL must be a valid URL: %w", err)
	}

	if cfg.IsProduction() && cfg.DatabaseURL != "" {
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}
