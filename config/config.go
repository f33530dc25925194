// Package config loads the gateway's process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/auth"
	"github.com/ggoodman/mcp-sse-gateway/sessions/redismirror"
	"github.com/joeshaw/envdecode"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 3000
	DefaultIdleTimeoutMS = 300000
	DefaultKeepAliveMS   = 30000
	DefaultPath          = "/mcp"
	DefaultServiceName   = "mcp-base-conhecimento"
	DefaultKnowledgeFile = "regras.md"
	DefaultKeyPrefix     = "mcp:sse:"
)

// Log output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatTint = "tint"
)

// Config is the full process configuration. Every field has an environment
// variable; unset variables take the tag default.
type Config struct {
	// Host is the listen address. ENV: HOST
	Host string `env:"HOST,default=0.0.0.0"`
	// Port is the listen port. ENV: PORT
	Port int `env:"PORT,default=3000"`

	// IdleTimeoutMS bounds a session's lifetime, counted from open. ENV: MCP_SSE_IDLE_TIMEOUT_MS
	IdleTimeoutMS int64 `env:"MCP_SSE_IDLE_TIMEOUT_MS,default=300000"`
	// KeepAliveMS is the SSE heartbeat interval. ENV: MCP_SSE_KEEPALIVE_MS
	KeepAliveMS int64 `env:"MCP_SSE_KEEPALIVE_MS,default=30000"`
	// Path mounts the SSE and message endpoints. ENV: MCP_PATH
	Path string `env:"MCP_PATH,default=/mcp"`
	// ServiceName is reported by /health and used as server name. ENV: SERVICE_NAME
	ServiceName string `env:"SERVICE_NAME,default=mcp-base-conhecimento"`
	// Instructions is returned to clients in the initialize result. ENV: MCP_INSTRUCTIONS
	Instructions string `env:"MCP_INSTRUCTIONS"`

	// KnowledgeDir holds the knowledge file; empty means the working directory. ENV: KNOWLEDGE_DIR
	KnowledgeDir string `env:"KNOWLEDGE_DIR"`
	// KnowledgeFile is the file served by the knowledge tool. ENV: KNOWLEDGE_FILE
	KnowledgeFile string `env:"KNOWLEDGE_FILE,default=regras.md"`
	// KnowledgeWatch caches the file and invalidates it on change. ENV: KNOWLEDGE_WATCH
	KnowledgeWatch bool `env:"KNOWLEDGE_WATCH,default=true"`

	// TrustForwardedFor derives the fallback client address from X-Forwarded-For. ENV: TRUST_FORWARDED_FOR
	TrustForwardedFor bool `env:"TRUST_FORWARDED_FOR,default=false"`
	// MetricsEnabled serves Prometheus metrics at /metrics. ENV: METRICS_ENABLED
	MetricsEnabled bool `env:"METRICS_ENABLED,default=true"`

	// Redis enables the session mirror when RedisAddr is set.
	Redis redismirror.Config

	// AuthIssuer turns on bearer auth when set. ENV: AUTH_ISSUER
	AuthIssuer string `env:"AUTH_ISSUER"`
	// AuthAudience is the expected aud claim and protected resource URL. ENV: AUTH_AUDIENCE
	AuthAudience string `env:"AUTH_AUDIENCE"`
	// AuthJWKSURL skips discovery when set. ENV: AUTH_JWKS_URL
	AuthJWKSURL string `env:"AUTH_JWKS_URL"`
	// AuthRequiredScopes is a comma or space separated scope list. ENV: AUTH_REQUIRED_SCOPES
	AuthRequiredScopes string `env:"AUTH_REQUIRED_SCOPES"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is one of json, text, tint. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// Warnings lists variables that were set but unparsable and so fell back
	// to their defaults. Load fills it; it has no variable of its own.
	Warnings []string
}

// Load decodes the environment into a Config, applies defaults and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	cfg.Warnings = cfg.resetUnparsable(os.Getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resetUnparsable restores the default of every numeric or boolean field
// whose variable is set to something that does not parse. The decoder leaves
// such fields zeroed, which would silently flip true defaults to false.
func (c *Config) resetUnparsable(getenv func(string) string) []string {
	checks := []struct {
		env   string
		parse func(string) error
		reset func()
	}{
		{"PORT", parseInt(strconv.IntSize), func() { c.Port = DefaultPort }},
		{"MCP_SSE_IDLE_TIMEOUT_MS", parseInt(64), func() { c.IdleTimeoutMS = DefaultIdleTimeoutMS }},
		{"MCP_SSE_KEEPALIVE_MS", parseInt(64), func() { c.KeepAliveMS = DefaultKeepAliveMS }},
		{"KNOWLEDGE_WATCH", parseBool, func() { c.KnowledgeWatch = true }},
		{"TRUST_FORWARDED_FOR", parseBool, func() { c.TrustForwardedFor = false }},
		{"METRICS_ENABLED", parseBool, func() { c.MetricsEnabled = true }},
	}

	var warnings []string
	for _, chk := range checks {
		v := getenv(chk.env)
		if v == "" {
			continue
		}
		if err := chk.parse(v); err != nil {
			chk.reset()
			warnings = append(warnings, fmt.Sprintf("%s=%q is not valid, using the default", chk.env, v))
		}
	}
	return warnings
}

func parseInt(bits int) func(string) error {
	return func(s string) error {
		_, err := strconv.ParseInt(s, 0, bits)
		return err
	}
}

func parseBool(s string) error {
	_, err := strconv.ParseBool(s)
	return err
}

// Normalize replaces zero or non-positive values with defaults.
func (c *Config) Normalize() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.IdleTimeoutMS <= 0 {
		c.IdleTimeoutMS = DefaultIdleTimeoutMS
	}
	if c.KeepAliveMS <= 0 {
		c.KeepAliveMS = DefaultKeepAliveMS
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.KnowledgeFile == "" {
		c.KnowledgeFile = DefaultKnowledgeFile
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultKeyPrefix
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = FormatJSON
	}
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/" {
		return fmt.Errorf("MCP_PATH must be an absolute path below the root, got %q", c.Path)
	}
	if c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case FormatJSON, FormatText, FormatTint:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of json, text, tint, got %q", c.LogFormat)
	}
	if c.AuthIssuer != "" && c.AuthAudience == "" {
		return errors.New("AUTH_AUDIENCE is required when AUTH_ISSUER is set")
	}
	return nil
}

// Addr is the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMS) * time.Millisecond
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Auth returns the bearer auth settings. Check Enabled on the result.
func (c Config) Auth() auth.Config {
	return auth.Config{
		Issuer:         c.AuthIssuer,
		Audience:       c.AuthAudience,
		JWKSURL:        c.AuthJWKSURL,
		RequiredScopes: strings.Fields(strings.ReplaceAll(c.AuthRequiredScopes, ",", " ")),
	}
}
