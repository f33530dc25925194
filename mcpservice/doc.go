// Package mcpservice holds the registry of tools a gateway session can list
// and invoke.
//
// A tool is a name, a description, an input schema reflected from a Go
// struct and a handler:
//
//	type noArgs struct{}
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool[noArgs]("hello", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
//	        return w.AppendText("hello " + s.ClientKey())
//	    }, mcpservice.WithToolDescription("Say hello")),
//	)
//
// The container is consulted by internal/engine for tools/list and
// tools/call. Handlers report tool-level failures inside the result
// (SetError or Errorf); a returned Go error becomes a JSON-RPC internal error.
package mcpservice
