// Package ssehttp mounts the gateway's legacy MCP HTTP+SSE transport as a
// standard net/http handler.
//
// Endpoints
//   - GET  /mcp     opens a Server-Sent Events stream. The first event is
//     "endpoint", naming the URL (with ?sessionId=) to POST messages to.
//     A client (identified by the identity package) holds at most one
//     stream; opening a second one ends the first.
//   - POST /mcp     delivers one JSON-RPC message to the session named by
//     the sessionId query parameter or Mcp-Session-Id header and answers
//     202 Accepted. Replies arrive as "message" events on the stream.
//   - GET  /health  liveness check.
//   - GET  /metrics Prometheus exposition, when configured.
//   - GET  /.well-known/oauth-protected-resource[/mcp] RFC 9728 metadata,
//     when bearer auth is configured.
//
// Construction
//
//	reg := sessions.NewRegistry(sessions.WithIdleTimeout(5 * time.Minute))
//	h, err := ssehttp.New(reg, router.New(reg), engine.New(tools),
//	    ssehttp.WithLogger(log),
//	)
//
// All responses carry permissive CORS headers.
package ssehttp
