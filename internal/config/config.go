// Package config defines runtime defaults, validation, and environment
// loading for the chat server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Overflow policies for a connection's outbound buffer.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowClose      = "close"
)

// RateLimitConfig defines per-connection inbound frame limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Driver string `env:"STORE_DRIVER" envDefault:"memory"`
	Path   string `env:"STORE_PATH" envDefault:"./data/messages"`
}

// DirectoryConfig selects the membership and profile source.
type DirectoryConfig struct {
	Driver string `env:"DIRECTORY_DRIVER" envDefault:"file"`
	File   string `env:"DIRECTORY_FILE" envDefault:"./directory.yaml"`
	DSN    string `env:"DIRECTORY_DSN" envDefault:"./data/directory.db"`
}

// Config holds the server configuration.
type Config struct {
	Port              string        `env:"SERVER_PORT" envDefault:":8080"`
	Env               string        `env:"ENV" envDefault:"development"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	SendBufferSize    int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	OverflowPolicy    string        `env:"OVERFLOW_POLICY" envDefault:"drop_oldest"`
	ReplayOnSubscribe bool          `env:"REPLAY_ON_SUBSCRIBE" envDefault:"true"`
	JWTSecret         string        `env:"JWT_SECRET"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Stripes           int           `env:"LOCK_STRIPES" envDefault:"64"`
	RateLimit         RateLimitConfig
	Store             StoreConfig
	Directory         DirectoryConfig
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              ":8080",
		Env:               "development",
		LogLevel:          "info",
		AllowedOrigins:    []string{"http://localhost:8080"},
		MaxMessageSize:    4096,
		SendBufferSize:    256,
		OverflowPolicy:    OverflowDropOldest,
		ReplayOnSubscribe: true,
		ShutdownTimeout:   30 * time.Second,
		Stripes:           64,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "./data/messages",
		},
		Directory: DirectoryConfig{
			Driver: "file",
			File:   "./directory.yaml",
			DSN:    "./data/directory.db",
		},
	}
}

// Sanitize replaces unusable values with defaults.
func (c Config) Sanitize() Config {
	d := Default()

	if c.Port == "" {
		c.Port = d.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	c.OverflowPolicy = strings.ToLower(strings.TrimSpace(c.OverflowPolicy))
	if c.OverflowPolicy != OverflowClose {
		c.OverflowPolicy = OverflowDropOldest
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Stripes <= 0 {
		c.Stripes = d.Stripes
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	return c
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.Directory.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown DIRECTORY_DRIVER %q", c.Directory.Driver)
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses the environment without touching .env files.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
