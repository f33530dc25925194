// Command mcp-sse-gateway serves the knowledge base tool over the MCP
// HTTP+SSE transport, keeping one live stream per client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/auth"
	"github.com/ggoodman/mcp-sse-gateway/config"
	"github.com/ggoodman/mcp-sse-gateway/identity"
	"github.com/ggoodman/mcp-sse-gateway/internal/engine"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/knowledge"
	"github.com/ggoodman/mcp-sse-gateway/mcp"
	"github.com/ggoodman/mcp-sse-gateway/mcpservice"
	"github.com/ggoodman/mcp-sse-gateway/metrics"
	"github.com/ggoodman/mcp-sse-gateway/router"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/ggoodman/mcp-sse-gateway/sessions/redismirror"
	"github.com/ggoodman/mcp-sse-gateway/ssehttp"
	"github.com/hashicorp/go-multierror"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	serverVersion   = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-sse-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, logOut)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		log.WarnContext(ctx, "config.fallback", slog.String("detail", w))
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(ctx, "http.listen", slog.String("addr", srv.Addr), slog.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx, srv)
	})

	err = g.Wait()
	log.InfoContext(ctx, "process.exit", slog.Bool("ok", err == nil))
	return err
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	var h slog.Handler
	switch cfg.LogFormat {
	case config.FormatText:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	case config.FormatTint:
		h = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	default:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

// app holds the wired components so they can be torn down in order.
type app struct {
	handler  http.Handler
	registry *sessions.Registry
	source   *knowledge.Source
	mirror   *redismirror.Mirror
	log      *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log}

	source, err := knowledge.NewSource(cfg.KnowledgeDir, cfg.KnowledgeFile, knowledge.WithLogger(log))
	if err != nil {
		return nil, err
	}
	a.source = source
	if cfg.KnowledgeWatch {
		if err := source.Start(ctx); err != nil {
			// Reads still work uncached.
			log.WarnContext(ctx, "knowledge.watch.fail", slog.String("err", err.Error()))
		}
	}

	regOpts := []sessions.Option{
		sessions.WithIdleTimeout(cfg.IdleTimeout()),
		sessions.WithLogger(log),
	}
	rtOpts := []router.Option{router.WithLogger(log)}
	handlerOpts := []ssehttp.Option{
		ssehttp.WithLogger(log),
		ssehttp.WithPath(cfg.Path),
		ssehttp.WithServiceName(cfg.ServiceName),
		ssehttp.WithKeepAlive(cfg.KeepAlive()),
		ssehttp.WithIdentity(identity.Resolver{TrustForwardedFor: cfg.TrustForwardedFor}),
	}

	if cfg.MetricsEnabled {
		collector := metrics.New()
		regOpts = append(regOpts, sessions.WithObserver(collector))
		rtOpts = append(rtOpts, router.WithRecorder(collector))
		handlerOpts = append(handlerOpts, ssehttp.WithMetrics(collector.Handler()))
	}

	if cfg.Redis.RedisAddr != "" {
		mirror, err := redismirror.Dial(ctx, cfg.Redis,
			redismirror.WithTTL(cfg.IdleTimeout()),
			redismirror.WithLogger(log),
		)
		if err != nil {
			_ = a.source.Close()
			return nil, err
		}
		a.mirror = mirror
		regOpts = append(regOpts, sessions.WithObserver(mirror))
		log.InfoContext(ctx, "redismirror.enabled", slog.String("addr", cfg.Redis.RedisAddr))
	}

	if ac := cfg.Auth(); ac.Enabled() {
		v, err := auth.New(ctx, ac)
		if err != nil {
			a.closeBackends()
			return nil, fmt.Errorf("failed to configure auth: %w", err)
		}
		handlerOpts = append(handlerOpts, ssehttp.WithAuth(v))
		log.InfoContext(ctx, "auth.enabled", slog.String("issuer", v.Issuer()), slog.String("jwks_url", v.JWKSURL()))
	}

	tools := mcpservice.NewToolsContainer(source.Tool())
	eng := engine.New(tools,
		engine.WithServerInfo(mcp.ImplementationInfo{Name: cfg.ServiceName, Version: serverVersion}),
		engine.WithInstructions(cfg.Instructions),
		engine.WithLogger(log),
	)

	a.registry = sessions.NewRegistry(regOpts...)
	h, err := ssehttp.New(a.registry, router.New(a.registry, rtOpts...), eng, handlerOpts...)
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	a.handler = h
	return a, nil
}

// shutdown closes every stream before stopping the server, since open
// streams would otherwise hold http.Server.Shutdown until its deadline.
func (a *app) shutdown(ctx context.Context, srv *http.Server) error {
	var result *multierror.Error
	if a.registry != nil {
		if err := a.registry.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("sessions: %w", err))
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http: %w", err))
		}
	}
	if err := a.closeBackends(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		a.log.ErrorContext(ctx, "shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	a.log.InfoContext(ctx, "shutdown.ok")
	return nil
}

func (a *app) closeBackends() error {
	var result *multierror.Error
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("knowledge: %w", err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
	}
	return result.ErrorOrNil()
}
