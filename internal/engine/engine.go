// Package engine answers the MCP requests that arrive on a gateway session:
// the initialize handshake, ping and the tools surface.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/mcp"
	"github.com/ggoodman/mcp-sse-gateway/mcpservice"
)

// Engine holds the server-wide protocol configuration.
type Engine struct {
	tools        *mcpservice.ToolsContainer
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
}

type Option func(*Engine)

// WithServerInfo sets the implementation advertised in initialize results.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the usage hint returned to clients in initialize
// results. Empty omits it.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New constructs an Engine serving tools.
func New(tools *mcpservice.ToolsContainer, opts ...Option) *Engine {
	e := &Engine{
		tools: tools,
		info:  mcp.ImplementationInfo{Name: "mcp-sse-gateway", Version: "dev"},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tools == nil {
		e.tools = mcpservice.NewToolsContainer()
	}
	return e
}

// ForSession returns the dispatcher for one session. It satisfies
// sse.Dispatcher.
func (e *Engine) ForSession(sess mcpservice.Session) *SessionDispatcher {
	return &SessionDispatcher{e: e, sess: sess}
}

// SessionDispatcher is the per-session protocol state.
type SessionDispatcher struct {
	e    *Engine
	sess mcpservice.Session

	mu              sync.Mutex
	protocolVersion string
	initialized     bool
}

// ProtocolVersion returns the version negotiated by initialize, if any.
func (d *SessionDispatcher) ProtocolVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocolVersion
}

// Initialized reports whether the client sent notifications/initialized.
func (d *SessionDispatcher) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// Dispatch handles one inbound message. Requests always yield a response;
// notifications and client responses yield nil.
func (d *SessionDispatcher) Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	switch msg.Type() {
	case jsonrpc.TypeRequest:
		return d.HandleRequest(ctx, msg.AsRequest())
	case jsonrpc.TypeNotification:
		d.handleNotification(ctx, msg.AsRequest())
		return nil, nil
	default:
		// The gateway never issues requests, so any response is unsolicited.
		d.e.log.InfoContext(ctx, "engine.response.ignored", slog.String("id", msg.ID.String()))
		return nil, nil
	}
}

func (d *SessionDispatcher) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return d.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return d.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return d.handleToolCall(ctx, req)
	}

	d.e.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func (d *SessionDispatcher) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		d.mu.Lock()
		d.initialized = true
		d.mu.Unlock()
		d.e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledParams
		_ = json.Unmarshal(note.Params, &params)
		// Requests run one at a time, so by now the target has already
		// been answered.
		d.e.log.InfoContext(ctx, "engine.cancelled.ignored", slog.String("request_id", string(params.RequestID)), slog.String("reason", params.Reason))
	default:
		d.e.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", note.Method))
	}
}

func (d *SessionDispatcher) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := d.e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	d.mu.Lock()
	d.protocolVersion = version
	d.mu.Unlock()

	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", version),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      d.e.info,
		Instructions:    d.e.instructions,
	})
}

func (d *SessionDispatcher) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := d.e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	items, next := d.e.tools.ListTools(ctx, params.Cursor)
	result := &mcp.ListToolsResult{Tools: items}
	result.NextCursor = next

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (d *SessionDispatcher) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := d.e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	res, err := d.e.tools.Call(ctx, d.sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			log.InfoContext(ctx, "engine.handle_request.unknown_tool", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", res.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}
