package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ggoodman/mcp-sse-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-gateway/mcp"
	"github.com/ggoodman/mcp-sse-gateway/mcpservice"
)

type noArgs struct{}

func newTestDispatcher(t *testing.T) *SessionDispatcher {
	t.Helper()
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool[noArgs]("whoami", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
			return w.AppendText(s.ClientKey())
		}, mcpservice.WithToolDescription("Returns the client key")),
		mcpservice.NewTool[noArgs]("explode", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
			return errors.New("kaboom")
		}),
	)
	e := New(tools,
		WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "1.2.3"}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return e.ForSession(mcpservice.SessionInfo{ID: "s1", Key: "alice"})
}

func mustParse(t *testing.T, raw string) *jsonrpc.AnyMessage {
	t.Helper()
	msg, err := jsonrpc.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return msg
}

func dispatch(t *testing.T, d *SessionDispatcher, raw string) *jsonrpc.Response {
	t.Helper()
	res, err := d.Dispatch(context.Background(), mustParse(t, raw))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return res
}

func mustUnmarshalJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func TestInitialize(t *testing.T) {
	d := newTestDispatcher(t)

	res := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"n8n","version":"1"}}}`)
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	var result mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &result)

	if result.ProtocolVersion != "2025-03-26" {
		t.Fatalf("unexpected protocol version: %s", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "test-server" || result.ServerInfo.Version != "1.2.3" {
		t.Fatalf("unexpected server info: %+v", result.ServerInfo)
	}
	if result.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}
	if d.ProtocolVersion() != "2025-03-26" {
		t.Fatalf("protocol version not recorded")
	}

	if res := dispatch(t, d, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); res != nil {
		t.Fatalf("notifications must not be answered: %+v", res)
	}
	if !d.Initialized() {
		t.Fatalf("expected initialized")
	}
}

func TestInitialize_Instructions(t *testing.T) {
	const initialize = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"n8n","version":"1"}}}`

	e := New(nil,
		WithInstructions("Consult regras before answering."),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	res := dispatch(t, e.ForSession(mcpservice.SessionInfo{ID: "s1", Key: "alice"}), initialize)
	var result mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &result)
	if want, got := "Consult regras before answering.", result.Instructions; want != got {
		t.Fatalf("unexpected instructions: want %q got %q", want, got)
	}

	res = dispatch(t, newTestDispatcher(t), initialize)
	var raw map[string]json.RawMessage
	mustUnmarshalJSON(t, res.Result, &raw)
	if _, ok := raw["instructions"]; ok {
		t.Fatalf("empty instructions must be omitted: %s", res.Result)
	}
}

func TestInitialize_UnknownVersionGetsLatest(t *testing.T) {
	d := newTestDispatcher(t)
	res := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2030-01-01","capabilities":{},"clientInfo":{"name":"x","version":"1"}}}`)
	var result mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &result)
	if result.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected protocol version: %s", result.ProtocolVersion)
	}
}

func TestPing(t *testing.T) {
	d := newTestDispatcher(t)
	res := dispatch(t, d, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if res.Error != nil || string(res.Result) != `{}` || res.ID.String() != "p" {
		t.Fatalf("unexpected ping response: %+v", res)
	}
}

func TestToolsList(t *testing.T) {
	d := newTestDispatcher(t)
	res := dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var result mcp.ListToolsResult
	mustUnmarshalJSON(t, res.Result, &result)
	if len(result.Tools) != 2 || result.Tools[0].Name != "whoami" || result.NextCursor != "" {
		t.Fatalf("unexpected tools: %+v", result)
	}
}

func TestToolsCall(t *testing.T) {
	d := newTestDispatcher(t)

	t.Run("ok", func(t *testing.T) {
		res := dispatch(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`)
		var result mcp.CallToolResult
		mustUnmarshalJSON(t, res.Result, &result)
		if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "alice" {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := dispatch(t, d, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		res := dispatch(t, d, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{}}`)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res)
		}
	})

	t.Run("handler error", func(t *testing.T) {
		res := dispatch(t, d, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"explode"}}`)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInternalError {
			t.Fatalf("expected internal error, got %+v", res)
		}
	})
}

func TestUnknownMethodAndResponses(t *testing.T) {
	d := newTestDispatcher(t)

	res := dispatch(t, d, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", res)
	}

	if res := dispatch(t, d, `{"jsonrpc":"2.0","id":8,"result":{}}`); res != nil {
		t.Fatalf("client responses must be ignored, got %+v", res)
	}
	if res := dispatch(t, d, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3}}`); res != nil {
		t.Fatalf("cancellations must not be answered, got %+v", res)
	}
}
