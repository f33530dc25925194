package mcp

import "encoding/json"

// Method names a JSON-RPC method or notification.
type Method string

// Methods the gateway answers.
const (
	InitializeMethod Method = "initialize"
	PingMethod       Method = "ping"
	ToolsListMethod  Method = "tools/list"
	ToolsCallMethod  Method = "tools/call"
)

// Notifications the gateway accepts.
const (
	InitializedNotificationMethod Method = "notifications/initialized"
	CancelledNotificationMethod   Method = "notifications/cancelled"
)

// InitializeRequest is the params object of initialize.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult answers initialize with the negotiated version.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// ListToolsParams carries the optional cursor of tools/list. The gateway
// serves a single page and ignores it.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitzero"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitzero"`
}

// CallToolParams is the params object of tools/call. Arguments stay raw
// until the named tool decodes them.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
}

// CancelledParams is the params object of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

// EmptyResult answers ping.
type EmptyResult struct{}
