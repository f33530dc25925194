// Package logctx carries per-request log attributes on a context and adds
// them to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// groupKeys are the context keys Handler looks for, in output order.
var groupKeys = []any{requestDataKey{}, sessionDataKey{}, rpcMessageKey{}, toolCallDataKey{}}

// attrGroup is implemented by every value stored under a groupKey.
type attrGroup interface {
	logGroup() slog.Attr
}

// Handler decorates records with the request, session, rpc and tool groups
// found on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	for _, k := range groupKeys {
		if g, ok := ctx.Value(k).(attrGroup); ok {
			r.AddAttrs(g.logGroup())
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	UserAgent  string
	RemoteAddr string
}

func (d *RequestData) logGroup() slog.Attr {
	return slog.Group("req",
		slog.String("id", d.RequestID),
		slog.String("method", d.Method),
		slog.String("path", d.Path),
		slog.String("user_agent", d.UserAgent),
		slog.String("remote_addr", d.RemoteAddr),
	)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the SSE session a log line belongs to. Empty
// fields are omitted.
type SessionData struct {
	SessionID string
	ClientKey string
	UserID    string
}

func (d *SessionData) logGroup() slog.Attr {
	attrs := make([]any, 0, 3)
	attrs = append(attrs, slog.String("id", d.SessionID))
	if d.ClientKey != "" {
		attrs = append(attrs, slog.String("client_key", d.ClientKey))
	}
	if d.UserID != "" {
		attrs = append(attrs, slog.String("user_id", d.UserID))
	}
	return slog.Group("sess", attrs...)
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcMessageKey struct{}

// RPCMessage describes the JSON-RPC message being handled.
type RPCMessage struct {
	Type   string
	Method string
	ID     string
}

func (m *RPCMessage) logGroup() slog.Attr {
	return slog.Group("rpc",
		slog.String("type", m.Type),
		slog.String("method", m.Method),
		slog.String("id", m.ID),
	)
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMessageKey{}, msg)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
}

func (d *ToolCallData) logGroup() slog.Attr {
	return slog.Group("tool", slog.String("name", d.ToolName))
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
