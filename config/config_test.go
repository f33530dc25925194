package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Config reads; envdecode treats empty as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HOST", "PORT", "MCP_SSE_IDLE_TIMEOUT_MS", "MCP_SSE_KEEPALIVE_MS", "MCP_PATH", "SERVICE_NAME", "MCP_INSTRUCTIONS",
		"KNOWLEDGE_DIR", "KNOWLEDGE_FILE", "KNOWLEDGE_WATCH", "TRUST_FORWARDED_FOR", "METRICS_ENABLED",
		"REDIS_ADDR", "SESSIONS_KEY_PREFIX", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
		"AUTH_REQUIRED_SCOPES", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:3000", cfg.Addr())
	require.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	require.Equal(t, 30*time.Second, cfg.KeepAlive())
	require.Equal(t, "/mcp", cfg.Path)
	require.Equal(t, "mcp-base-conhecimento", cfg.ServiceName)
	require.Equal(t, "regras.md", cfg.KnowledgeFile)
	require.True(t, cfg.KnowledgeWatch)
	require.True(t, cfg.MetricsEnabled)
	require.False(t, cfg.TrustForwardedFor)
	require.Equal(t, "", cfg.Redis.RedisAddr)
	require.Equal(t, "mcp:sse:", cfg.Redis.KeyPrefix)
	require.False(t, cfg.Auth().Enabled())
	require.Empty(t, cfg.Warnings)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("MCP_SSE_IDLE_TIMEOUT_MS", "1500")
	t.Setenv("MCP_SSE_KEEPALIVE_MS", "250")
	t.Setenv("MCP_PATH", "/sse")
	t.Setenv("MCP_INSTRUCTIONS", "Consult regras first.")
	t.Setenv("KNOWLEDGE_WATCH", "false")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SESSIONS_KEY_PREFIX", "gw:")
	t.Setenv("AUTH_ISSUER", "https://issuer.example")
	t.Setenv("AUTH_AUDIENCE", "https://gateway.example/sse")
	t.Setenv("AUTH_REQUIRED_SCOPES", "kb:read, kb:write")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "tint")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
	require.Equal(t, 1500*time.Millisecond, cfg.IdleTimeout())
	require.Equal(t, 250*time.Millisecond, cfg.KeepAlive())
	require.Equal(t, "/sse", cfg.Path)
	require.Equal(t, "Consult regras first.", cfg.Instructions)
	require.False(t, cfg.KnowledgeWatch)
	require.Equal(t, "localhost:6379", cfg.Redis.RedisAddr)
	require.Equal(t, "gw:", cfg.Redis.KeyPrefix)

	ac := cfg.Auth()
	require.True(t, ac.Enabled())
	require.Equal(t, []string{"kb:read", "kb:write"}, ac.RequiredScopes)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_NonPositiveFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "0")
	t.Setenv("MCP_SSE_IDLE_TIMEOUT_MS", "-5")
	t.Setenv("MCP_SSE_KEEPALIVE_MS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	require.Equal(t, 30*time.Second, cfg.KeepAlive())
}

func TestLoad_UnparsableFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "http")
	t.Setenv("MCP_SSE_IDLE_TIMEOUT_MS", "soon")
	t.Setenv("MCP_SSE_KEEPALIVE_MS", "30s")
	t.Setenv("KNOWLEDGE_WATCH", "maybe")
	t.Setenv("METRICS_ENABLED", "nope")
	t.Setenv("TRUST_FORWARDED_FOR", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	require.Equal(t, 30*time.Second, cfg.KeepAlive())
	require.True(t, cfg.KnowledgeWatch)
	require.True(t, cfg.MetricsEnabled)
	require.False(t, cfg.TrustForwardedFor)

	require.Len(t, cfg.Warnings, 6)
	require.Contains(t, cfg.Warnings[0], "PORT")
	require.Contains(t, cfg.Warnings[1], "MCP_SSE_IDLE_TIMEOUT_MS")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"root path":           {"MCP_PATH": "/"},
		"relative path":       {"MCP_PATH": "mcp"},
		"bad level":           {"LOG_LEVEL": "chatty"},
		"bad format":          {"LOG_FORMAT": "xml"},
		"issuer without aud":  {"AUTH_ISSUER": "https://issuer.example"},
		"port out of range":   {"PORT": "70000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
