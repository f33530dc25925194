// Package mcp holds the subset of Model Context Protocol wire types that the
// gateway speaks over its SSE sessions: the initialize handshake, ping and
// the tools/list and tools/call exchanges.
//
// The package carries no transport logic. The sse package frames these
// values as `event: message` frames and internal/engine builds them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Versions
//
// SupportedProtocolVersions lists the protocol dates the gateway accepts
// during initialize. LatestProtocolVersion is offered when the client asks
// for something else.
package mcp
