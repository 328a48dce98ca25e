package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	GinMode       string `env:"GIN_MODE" envDefault:"release"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	SessionSecret string        `env:"SESSION_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	ChannelSecret   string        `env:"CHANNEL_SECRET"`
	ChannelTokenTTL time.Duration `env:"CHANNEL_TOKEN_TTL" envDefault:"2h"`

	GameTTL time.Duration `env:"GAME_TTL" envDefault:"72h"`

	PushBroker string `env:"PUSH_BROKER" envDefault:"local"`
	AMQPURL    string `env:"AMQP_URL"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	MessagesDir string   `env:"MESSAGES_DIR"`
}

// Load reads .env (if any) and the process environment.
func Load() (*AppConfig, error) {
	// .env is optional; the process environment always wins.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() error {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.SessionSecret = strings.TrimSpace(c.SessionSecret)
	c.ChannelSecret = strings.TrimSpace(c.ChannelSecret)
	c.PushBroker = strings.ToLower(strings.TrimSpace(c.PushBroker))
	c.AMQPURL = strings.TrimSpace(c.AMQPURL)

	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	c.CORSOrigins = origins

	if c.ChannelSecret == "" {
		c.ChannelSecret = c.SessionSecret
	}

	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if c.ChannelTokenTTL <= 0 {
		return errors.New("CHANNEL_TOKEN_TTL must be positive")
	}
	switch c.PushBroker {
	case "local", "redis":
	case "amqp":
		if c.AMQPURL == "" {
			return errors.New("AMQP_URL is required when PUSH_BROKER=amqp")
		}
	default:
		return fmt.Errorf("unsupported PUSH_BROKER: %s", c.PushBroker)
	}
	return nil
}
