// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
)

// Authentication modes accepted in AUTH_MODE.
const (
	AuthModeUserInfo = "userinfo"
	AuthModeJWT      = "jwt"
)

// Config is the process configuration. Every field maps to one environment
// variable.
type Config struct {
	// AuthServerURL is the identity provider's discovery base URL.
	AuthServerURL string `env:"AUTH_SERVER_URL" validate:"required_if=AuthEnabled true,omitempty,url"`
	// ResourceURL is the public URL of the MCP endpoint. Empty means
	// http://localhost:$PORT/mcp.
	ResourceURL string `env:"RESOURCE_URL" validate:"omitempty,url"`
	Port        int    `env:"PORT,default=3000" validate:"min=1,max=65535"`

	AuthEnabled bool   `env:"AUTH_ENABLED,default=true"`
	AuthMode    string `env:"AUTH_MODE,default=userinfo" validate:"oneof=userinfo jwt"`
	// DiscoveryTimeout bounds one fetch of the identity provider metadata.
	DiscoveryTimeout time.Duration `env:"AUTH_DISCOVERY_TIMEOUT,default=10s" validate:"gt=0"`
	// JWTAlgorithms lists the accepted JWS algorithms in jwt mode,
	// separated by semicolons.
	JWTAlgorithms []string `env:"AUTH_JWT_ALGORITHMS,default=RS256" validate:"min=1,dive,oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512 EdDSA"`

	Stateless      bool          `env:"STATELESS,default=false"`
	ReconnectGrace time.Duration `env:"SESSION_RECONNECT_GRACE,default=30s"`
	// EventRetention caps the events kept per stream. Zero keeps everything.
	EventRetention int    `env:"EVENT_RETENTION,default=0" validate:"min=0"`
	RedisAddr      string `env:"REDIS_ADDR" validate:"omitempty,hostname_port"`

	AtlasAPIBaseURL string `env:"ATLAS_API_BASE_URL,default=https://cloud.mongodb.com" validate:"url"`

	LogLevel     string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	TracesStdout bool   `env:"OTEL_TRACES_STDOUT,default=false"`
}

// Load decodes the environment into a Config. The result is not validated so
// that callers can apply overrides first.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.ReconnectGrace < 0 {
		return errors.New("SESSION_RECONNECT_GRACE must not be negative")
	}
	return nil
}

// Resource returns the public URL of the MCP endpoint.
func (c *Config) Resource() string {
	if c.ResourceURL != "" {
		return c.ResourceURL
	}
	return fmt.Sprintf("http://localhost:%d/mcp", c.Port)
}

// SlogLevel returns LogLevel as a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// envNames maps struct fields to the variables they are read from, for
// error messages.
var envNames = map[string]string{
	"AuthServerURL":    "AUTH_SERVER_URL",
	"ResourceURL":      "RESOURCE_URL",
	"Port":             "PORT",
	"AuthMode":         "AUTH_MODE",
	"DiscoveryTimeout": "AUTH_DISCOVERY_TIMEOUT",
	"JWTAlgorithms":    "AUTH_JWT_ALGORITHMS",
	"EventRetention":   "EVENT_RETENTION",
	"RedisAddr":        "REDIS_ADDR",
	"AtlasAPIBaseURL":  "ATLAS_API_BASE_URL",
	"LogLevel":         "LOG_LEVEL",
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatSingleValidationError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	field, _, _ := strings.Cut(e.StructField(), "[")
	if name, ok := envNames[field]; ok {
		field = name
	}

	switch e.Tag() {
	case "required_if":
		return fmt.Sprintf("%s is required when AUTH_ENABLED is true", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gt", "min", "max":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", field, e.Tag())
	}
}
