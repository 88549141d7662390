package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds validated environment configuration
type Config struct {
	// Chat listener (TCP, line-delimited JSON protocol)
	BindAddr string `env:"BIND_ADDR" envDefault:"0.0.0.0:8080"`

	// Seed file for the fixed room set: JSON array of {name, description}
	RoomsFile string `env:"ROOMS_FILE" envDefault:"./resources/chat_rooms_metadatas.json"`

	// Sidecar HTTP listener for metrics, health checks and the optional
	// WebSocket gateway. Empty disables it.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":9102"`

	// WebSocket gateway
	WSEnabled      bool     `env:"WS_ENABLED" envDefault:"false"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Per-room broadcast ring size and per-session outbound buffer
	BusCapacity   int `env:"BUS_CAPACITY" envDefault:"128"`
	SessionBuffer int `env:"SESSION_BUFFER" envDefault:"100"`

	// Inbound command rate limit per session, commands per second.
	// Zero disables limiting.
	SessionRate  float64 `env:"SESSION_RATE" envDefault:"0"`
	SessionBurst int     `env:"SESSION_BURST" envDefault:"8"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	GoEnv    string `env:"GO_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Rate limit for WebSocket upgrades per client IP (limiter format,
	// e.g. "100-M" = 100 per minute)
	RateLimitWSIP string `env:"RATE_LIMIT_WS_IP" envDefault:"100-M"`

	// OTLP trace collector endpoint (gRPC). Empty disables tracing.
	OTelCollectorAddr      string `env:"OTEL_COLLECTOR_ADDR"`
	OTelInsecureSkipVerify bool   `env:"OTEL_INSECURE_SKIP_VERIFY" envDefault:"false"`
}

// Load parses the environment into a Config and validates it.
// Returns an error listing every invalid variable at once.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parsed configuration and accumulates every problem
// rather than stopping at the first one.
func (c *Config) Validate() error {
	var errors []string

	if !isValidBindAddr(c.BindAddr) {
		errors = append(errors, fmt.Sprintf("BIND_ADDR must be in format 'host:port' (got '%s')", c.BindAddr))
	}
	if c.RoomsFile == "" {
		errors = append(errors, "ROOMS_FILE is required")
	}
	if c.HTTPAddr != "" && !isValidBindAddr(c.HTTPAddr) {
		errors = append(errors, fmt.Sprintf("HTTP_ADDR must be in format 'host:port' (got '%s')", c.HTTPAddr))
	}
	if c.WSEnabled && c.HTTPAddr == "" {
		errors = append(errors, "WS_ENABLED requires HTTP_ADDR to be set")
	}
	if c.BusCapacity < 1 {
		errors = append(errors, fmt.Sprintf("BUS_CAPACITY must be at least 1 (got %d)", c.BusCapacity))
	}
	if c.SessionBuffer < 1 {
		errors = append(errors, fmt.Sprintf("SESSION_BUFFER must be at least 1 (got %d)", c.SessionBuffer))
	}
	if c.SessionRate < 0 {
		errors = append(errors, fmt.Sprintf("SESSION_RATE must not be negative (got %v)", c.SessionRate))
	}
	if c.SessionRate > 0 && c.SessionBurst < 1 {
		errors = append(errors, fmt.Sprintf("SESSION_BURST must be at least 1 when SESSION_RATE is set (got %d)", c.SessionBurst))
	}
	if c.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("SHUTDOWN_TIMEOUT must be positive (got %v)", c.ShutdownTimeout))
	}
	if c.WriteTimeout < 0 {
		errors = append(errors, fmt.Sprintf("WRITE_TIMEOUT must not be negative (got %v)", c.WriteTimeout))
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// Development reports whether the server should run with development
// defaults (colored console logs).
func (c *Config) Development() bool {
	return c.GoEnv == "development"
}

// isValidBindAddr checks a listen address of the form "host:port". Unlike a
// dial address the host part may be empty: ":8080" binds every interface.
func isValidBindAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p >= 1 && p <= 65535
}
