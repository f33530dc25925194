package ssehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-gateway/auth"
	"github.com/ggoodman/mcp-sse-gateway/identity"
	"github.com/ggoodman/mcp-sse-gateway/internal/engine"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/mcpservice"
	"github.com/ggoodman/mcp-sse-gateway/router"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/ggoodman/mcp-sse-gateway/sse"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// DefaultPath is where the SSE endpoint is mounted.
	DefaultPath = "/mcp"
	// DefaultServiceName is reported by the health endpoint.
	DefaultServiceName = "mcp-base-conhecimento"
	// DefaultMaxBodyBytes caps a single POSTed message.
	DefaultMaxBodyBytes int64 = 4 << 20
)

// Plain-text bodies returned by the message endpoint.
const (
	MissingSessionMessage = "Missing sessionId (query or header mcp-session-id)"
	UnknownSessionMessage = "Unknown session. Connect via GET /mcp first."
	AcceptedMessage       = "Accepted"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	path         string
	serviceName  string
	keepAlive    time.Duration
	maxBodyBytes int64
	identity     identity.Resolver
	verifier     *auth.Verifier
	metrics      http.Handler
	logger       *slog.Logger

	requireEventStreamAccept bool
}

// WithPath mounts the SSE and message endpoints at path instead of /mcp.
func WithPath(path string) Option {
	return func(c *config) {
		if path != "" {
			c.path = path
		}
	}
}

// WithServiceName sets the service name reported by GET /health.
func WithServiceName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.serviceName = name
		}
	}
}

// WithKeepAlive sets the SSE comment heartbeat interval. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithMaxBodyBytes caps POST bodies. Non-positive values are ignored.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithIdentity replaces the client identity resolver.
func WithIdentity(res identity.Resolver) Option {
	return func(c *config) { c.identity = res }
}

// WithAuth requires a valid bearer token on the SSE and message endpoints
// and publishes protected resource metadata.
func WithAuth(v *auth.Verifier) Option {
	return func(c *config) { c.verifier = v }
}

// WithMetrics serves h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(c *config) { c.metrics = h }
}

// WithRequireEventStreamAccept answers 406 to a GET whose Accept header
// rules out text/event-stream. By default any Accept header opens a stream.
func WithRequireEventStreamAccept() Option {
	return func(c *config) { c.requireEventStreamAccept = true }
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Handler exposes the session registry over HTTP: GET opens an SSE stream,
// POST routes one message to an open stream, and GET /health reports
// liveness.
type Handler struct {
	handler  http.Handler
	log      *slog.Logger
	registry *sessions.Registry
	router   *router.Router
	engine   *engine.Engine

	path         string
	serviceName  string
	keepAlive    time.Duration
	maxBodyBytes int64
	identity     identity.Resolver

	requireEventStreamAccept bool

	guard       *auth.Guard
	prmDocument auth.ProtectedResourceMetadata
}

// New builds a Handler serving registry's sessions. Messages reach sessions
// through rt and are answered by eng.
func New(registry *sessions.Registry, rt *router.Router, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if rt == nil {
		return nil, errors.New("router is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}

	cfg := &config{
		path:         DefaultPath,
		serviceName:  DefaultServiceName,
		keepAlive:    sse.DefaultKeepAlive,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.path, "/") || cfg.path == "/" {
		return nil, fmt.Errorf("path must be absolute and not the root, got %q", cfg.path)
	}

	h := &Handler{
		log:          cfg.logger,
		registry:     registry,
		router:       rt,
		engine:       eng,
		path:         cfg.path,
		serviceName:  cfg.serviceName,
		keepAlive:    cfg.keepAlive,
		maxBodyBytes: cfg.maxBodyBytes,
		identity:     cfg.identity,

		requireEventStreamAccept: cfg.requireEventStreamAccept,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handlePostMCP)
	mux.HandleFunc("GET /health", h.handleHealth)
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics)
	}

	if cfg.verifier != nil {
		metaURL, err := auth.MetadataURL(cfg.verifier.Audience())
		if err != nil {
			return nil, fmt.Errorf("invalid auth audience: %w", err)
		}
		h.guard = &auth.Guard{Authenticator: cfg.verifier, ResourceMetadata: metaURL}
		h.prmDocument = cfg.verifier.Metadata(h.serviceName)

		mux.HandleFunc("GET "+auth.WellKnownProtectedResource, h.handleGetProtectedResourceMetadata)
		if p := auth.MetadataPath(h.path); p != auth.WellKnownProtectedResource {
			mux.HandleFunc("GET "+p, h.handleGetProtectedResourceMetadata)
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Type", "Cache-Control", "Connection", sse.HeaderSessionID},
	})
	h.handler = c.Handler(mux)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkAuthentication returns the authenticated user id, "" when auth is
// disabled, or ok=false after writing a challenge.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) (userID string, ok bool) {
	if h.guard == nil {
		return "", true
	}
	ctx := r.Context()
	user, challenge := h.guard.Check(ctx, r)
	if challenge != nil {
		if challenge.Status == http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", challenge.Err.Error()))
		} else {
			h.log.InfoContext(ctx, "auth.fail", slog.Int("status", challenge.Status), slog.String("err", challenge.Err.Error()))
		}
		challenge.Write(w)
		return "", false
	}
	h.log.DebugContext(ctx, "auth.ok")
	return user.UserID(), true
}

// handleGetMCP opens an SSE stream for the calling client, replacing any
// stream the same client already holds, and blocks until the stream ends.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.requireEventStreamAccept {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "http.get.not_acceptable")
			return
		}
	}

	userID, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}

	clientKey := h.identity.ClientKey(r)

	var stream *sse.Stream
	sess, err := h.registry.Open(ctx, clientKey, func(id string) (sessions.Channel, error) {
		st, err := sse.Open(w, r, id,
			sse.WithEndpoint(h.path),
			sse.WithKeepAlive(h.keepAlive),
			sse.WithDispatcher(h.engine.ForSession(mcpservice.SessionInfo{ID: id, Key: clientKey})),
			sse.WithLogger(h.log),
		)
		if err != nil {
			return nil, err
		}
		stream = st
		return st, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrRegistryClosed):
			writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
			h.log.WarnContext(ctx, "sse.stream.refused", slog.String("err", err.Error()))
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		ClientKey: clientKey,
		UserID:    userID,
	})

	// The session is routable now; only then does the client learn its id.
	if err := stream.Announce(); err != nil {
		h.log.InfoContext(ctx, "sse.stream.announce.fail", slog.String("err", err.Error()))
		h.registry.Close(ctx, sess, sessions.ReasonPeerClosed)
	} else {
		h.log.InfoContext(ctx, "sse.stream.start")
	}

	<-sess.Closed()

	h.log.InfoContext(ctx, "sse.stream.end",
		slog.String("reason", string(sess.CloseReason())),
		slog.Duration("dur", time.Since(start)),
	)
}

// handlePostMCP routes a single JSON-RPC message to the session named by
// the request. The protocol reply travels back on that session's stream.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userID, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}

	sessionID := router.SessionID(r)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, UserID: userID})

	if err := h.router.Check(ctx, sessionID); err != nil {
		if errors.Is(err, router.ErrMissingSessionID) {
			writeText(w, http.StatusBadRequest, MissingSessionMessage)
			return
		}
		writeText(w, http.StatusNotFound, UnknownSessionMessage)
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.router.Route(ctx, sessionID, body); err != nil {
		switch {
		case errors.Is(err, router.ErrUnknownSession):
			writeText(w, http.StatusNotFound, UnknownSessionMessage)
		case errors.Is(err, sse.ErrInvalidMessage):
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		case ctx.Err() != nil:
			h.log.InfoContext(ctx, "http.post.cancelled", slog.String("err", err.Error()))
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to deliver message")
			h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
		}
		return
	}

	writeText(w, http.StatusAccepted, AcceptedMessage)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

type healthDocument struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(healthDocument{Status: "ok", Service: h.serviceName}); err != nil {
		h.log.ErrorContext(r.Context(), "health.encode.fail", slog.String("err", err.Error()))
	}
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		return
	}
}
