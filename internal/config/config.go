// Package config loads the collaboration server's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the collaboration server.
type Config struct {
	Listen  ListenConfig  `json:"listen" yaml:"listen"`
	DB      DBConfig      `json:"db" yaml:"db"`
	Auth    AuthConfig    `json:"auth" yaml:"auth"`
	CORS    CORSConfig    `json:"cors" yaml:"cors"`
	Socket  SocketConfig  `json:"socket" yaml:"socket"`
}

// ListenConfig holds the HTTP(S)+websocket listen address.
type ListenConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// DBConfig holds the PostgreSQL connection pool settings for the
// Persistence Adapter (component 1).
type DBConfig struct {
	URL             string        `json:"url" yaml:"url"`
	MaxConns        int32         `json:"max_conns" yaml:"max_conns"`
	MinConns        int32         `json:"min_conns" yaml:"min_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// AuthConfig configures the Token Verifier (component 3).
type AuthConfig struct {
	// VerifyEndpoint names an external token-verification service. It is
	// loaded but not read by the server: handshake tokens are verified
	// locally by authn.JWTVerifier against a shared secret. The core
	// never issues tokens, it only verifies them.
	VerifyEndpoint string        `json:"verify_endpoint" yaml:"verify_endpoint"`
	VerifyTimeout  time.Duration `json:"verify_timeout" yaml:"verify_timeout"`
}

// CORSConfig lists the origins allowed to open a socket or call the
// side-band HTTP API, with credentials enabled (section 6).
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// SocketConfig tunes the websocket transport's heartbeat cadence.
type SocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	PongTimeout  time.Duration `json:"pong_timeout" yaml:"pong_timeout"`
	// SoftWriteBudget is a slow-DB-write threshold. It is loaded but not
	// read by the server: no write is timed or logged against it.
	SoftWriteBudget time.Duration `json:"soft_write_budget" yaml:"soft_write_budget"`
}

// Default returns sane production defaults, overridden by LoadConfig.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":4000"},
		DB: DBConfig{
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
		},
		Auth: AuthConfig{
			VerifyTimeout: 5 * time.Second,
		},
		Socket: SocketConfig{
			PingInterval:    30 * time.Second,
			PongTimeout:     70 * time.Second,
			SoftWriteBudget: 100 * time.Millisecond,
		},
	}
}

// LoadConfig reads a YAML (or, as a fallback, JSON) config file at path,
// expanding ${VAR} / ${VAR:-default} references against the process
// environment before unmarshalling.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content := SubstituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		if jerr := json.Unmarshal([]byte(content), cfg); jerr != nil {
			return nil, fmt.Errorf("failed to decode config file (tried YAML and JSON): %w", err)
		}
	}

	return cfg, nil
}

// SaveConfig writes cfg back out as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var envRegex = regexp.MustCompile(`\${(\w+)(?::-([^}]*))?}`)

// SubstituteEnvVars expands ${VAR} and ${VAR:-default} references in input
// against the current process environment.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		envVar := matches[1]
		if val, ok := os.LookupEnv(envVar); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}
