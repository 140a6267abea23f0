package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

var allVars = []string{
	"AUTH_SERVER_URL", "RESOURCE_URL", "PORT", "AUTH_ENABLED", "AUTH_MODE",
	"AUTH_DISCOVERY_TIMEOUT", "AUTH_JWT_ALGORITHMS",
	"STATELESS", "SESSION_RECONNECT_GRACE", "EVENT_RETENTION", "REDIS_ADDR",
	"ATLAS_API_BASE_URL", "LOG_LEVEL", "OTEL_TRACES_STDOUT",
}

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"AUTH_SERVER_URL": "https://idp.example.com"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if !cfg.AuthEnabled || cfg.AuthMode != AuthModeUserInfo {
		t.Errorf("unexpected auth settings: enabled=%v mode=%q", cfg.AuthEnabled, cfg.AuthMode)
	}
	if cfg.DiscoveryTimeout != 10*time.Second {
		t.Errorf("DiscoveryTimeout = %s, want 10s", cfg.DiscoveryTimeout)
	}
	if len(cfg.JWTAlgorithms) != 1 || cfg.JWTAlgorithms[0] != "RS256" {
		t.Errorf("JWTAlgorithms = %v, want [RS256]", cfg.JWTAlgorithms)
	}
	if cfg.Stateless {
		t.Errorf("Stateless defaulted to true")
	}
	if cfg.ReconnectGrace != 30*time.Second {
		t.Errorf("ReconnectGrace = %s, want 30s", cfg.ReconnectGrace)
	}
	if cfg.EventRetention != 0 || cfg.RedisAddr != "" {
		t.Errorf("unexpected event log settings: retention=%d redis=%q", cfg.EventRetention, cfg.RedisAddr)
	}
	if cfg.AtlasAPIBaseURL != "https://cloud.mongodb.com" {
		t.Errorf("AtlasAPIBaseURL = %q", cfg.AtlasAPIBaseURL)
	}
	if got := cfg.Resource(); got != "http://localhost:3000/mcp" {
		t.Errorf("Resource() = %q", got)
	}
	if got := cfg.SlogLevel(); got != slog.LevelInfo {
		t.Errorf("SlogLevel() = %s", got)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, map[string]string{
		"AUTH_SERVER_URL":         "https://idp.example.com",
		"RESOURCE_URL":            "https://mcp.example.com/mcp",
		"PORT":                    "8080",
		"AUTH_MODE":               "jwt",
		"AUTH_DISCOVERY_TIMEOUT":  "2s",
		"AUTH_JWT_ALGORITHMS":     "RS256;ES256",
		"STATELESS":               "true",
		"SESSION_RECONNECT_GRACE": "0s",
		"EVENT_RETENTION":         "100",
		"REDIS_ADDR":              "localhost:6379",
		"LOG_LEVEL":               "debug",
		"OTEL_TRACES_STDOUT":      "true",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Port != 8080 || cfg.AuthMode != AuthModeJWT || !cfg.Stateless || !cfg.TracesStdout {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.DiscoveryTimeout != 2*time.Second || len(cfg.JWTAlgorithms) != 2 || cfg.JWTAlgorithms[1] != "ES256" {
		t.Errorf("unexpected auth settings: timeout=%s algs=%v", cfg.DiscoveryTimeout, cfg.JWTAlgorithms)
	}
	if cfg.ReconnectGrace != 0 || cfg.EventRetention != 100 || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected session settings: %+v", cfg)
	}
	if got := cfg.Resource(); got != "https://mcp.example.com/mcp" {
		t.Errorf("Resource() = %q", got)
	}
	if got := cfg.SlogLevel(); got != slog.LevelDebug {
		t.Errorf("SlogLevel() = %s", got)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{
			name: "auth enabled without identity provider",
			vars: map[string]string{},
			want: "AUTH_SERVER_URL is required when AUTH_ENABLED is true",
		},
		{
			name: "identity provider not a url",
			vars: map[string]string{"AUTH_SERVER_URL": "not a url"},
			want: "AUTH_SERVER_URL must be a valid URL",
		},
		{
			name: "unknown auth mode",
			vars: map[string]string{"AUTH_SERVER_URL": "https://idp.example.com", "AUTH_MODE": "saml"},
			want: "AUTH_MODE must be one of: userinfo jwt",
		},
		{
			name: "unsupported jwt algorithm",
			vars: map[string]string{"AUTH_SERVER_URL": "https://idp.example.com", "AUTH_JWT_ALGORITHMS": "RS256;none"},
			want: "AUTH_JWT_ALGORITHMS must be one of",
		},
		{
			name: "zero discovery timeout",
			vars: map[string]string{"AUTH_SERVER_URL": "https://idp.example.com", "AUTH_DISCOVERY_TIMEOUT": "0s"},
			want: "AUTH_DISCOVERY_TIMEOUT is out of range",
		},
		{
			name: "port out of range",
			vars: map[string]string{"AUTH_ENABLED": "false", "PORT": "70000"},
			want: "PORT is out of range",
		},
		{
			name: "negative grace",
			vars: map[string]string{"AUTH_ENABLED": "false", "SESSION_RECONNECT_GRACE": "-1s"},
			want: "SESSION_RECONNECT_GRACE must not be negative",
		},
		{
			name: "bad redis address",
			vars: map[string]string{"AUTH_ENABLED": "false", "REDIS_ADDR": "redis"},
			want: "REDIS_ADDR must be a valid host:port",
		},
		{
			name: "unknown log level",
			vars: map[string]string{"AUTH_ENABLED": "false", "LOG_LEVEL": "trace"},
			want: "LOG_LEVEL must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.vars)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_AuthDisabled(t *testing.T) {
	setEnv(t, map[string]string{"AUTH_ENABLED": "false"})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_MalformedValue(t *testing.T) {
	cases := map[string]string{
		"PORT":                    "three-thousand",
		"SESSION_RECONNECT_GRACE": "30",
		"STATELESS":               "yes",
		"AUTH_ENABLED":            "nope",
		"EVENT_RETENTION":         "many",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			setEnv(t, map[string]string{
				"AUTH_SERVER_URL": "https://idp.example.com",
				name:              value,
			})
			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load accepted %s=%q: %+v", name, value, cfg)
			}
		})
	}
}
