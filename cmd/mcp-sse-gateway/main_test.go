package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-sse-gateway/config"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "regras.md"), []byte("# Regras\n"), 0o644))

	cfg := config.Config{
		KnowledgeDir:   dir,
		KnowledgeWatch: true,
		MetricsEnabled: true,
	}
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func startApp(t *testing.T, cfg config.Config) (*app, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := newApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.shutdown(sctx, nil)
		srv.Close()
	})
	return a, srv
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{config.FormatJSON, config.FormatText, config.FormatTint} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := config.Config{LogFormat: format, LogLevel: "warn"}
			log, err := newLogger(cfg, &buf)
			require.NoError(t, err)

			log.Info("hidden")
			log.Warn("shown", slog.String("k", "v"))
			require.NotContains(t, buf.String(), "hidden")
			require.Contains(t, buf.String(), "shown")
			if format == config.FormatJSON {
				var line map[string]any
				require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
				require.Equal(t, "v", line["k"])
			}
		})
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := newLogger(config.Config{LogLevel: "loud"}, io.Discard)
	require.Error(t, err)
}

func TestApp_ServesHealthAndMetrics(t *testing.T) {
	_, srv := startApp(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok","service":"mcp-base-conhecimento"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsEnabled = false
	_, srv := startApp(t, cfg)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApp_MirrorsSessionsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.RedisAddr = mr.Addr()
	a, srv := startApp(t, cfg)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp?clientId=alice", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	sc := bufio.NewScanner(resp.Body)
	var endpoint string
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			endpoint = data
			break
		}
	}
	require.Equal(t, "/mcp?sessionId="+sessionID, endpoint)

	require.Eventually(t, func() bool {
		v, err := mr.Get("mcp:sse:client:alice")
		return err == nil && v == sessionID
	}, 2*time.Second, 10*time.Millisecond)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.shutdown(sctx, nil))
	require.Equal(t, 0, a.registry.Len())
	require.False(t, mr.Exists("mcp:sse:client:alice"))
}

func TestNewApp_AuthDiscoveryFailure(t *testing.T) {
	issuer := httptest.NewServer(http.NotFoundHandler())
	issuer.Close()

	cfg := testConfig(t)
	cfg.KnowledgeWatch = false
	cfg.AuthIssuer = issuer.URL
	cfg.AuthAudience = "https://gateway.example.com/mcp"

	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.ErrorContains(t, err, "failed to configure auth")
}
