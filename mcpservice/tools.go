package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-sse-gateway/mcp"
	"github.com/invopop/jsonschema"
)

// ErrToolNotFound is returned by Call for unregistered tool names.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session Session, req *mcp.CallToolParams) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest carries the decoded arguments of a tool call.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. Strict by default.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a StaticTool whose input schema is reflected from A.
func NewTool[A any](name string, fn func(ctx context.Context, session Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: inputSchemaFor[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, session Session, req *mcp.CallToolParams) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 && !bytes.Equal(bytes.TrimSpace(req.Arguments), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// inputSchemaFor reflects A into the object schema advertised in tools/list.
// Non-struct argument types advertise an empty object.
func inputSchemaFor[A any](allowAdditional bool) mcp.ToolInputSchema {
	reflected := (&jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}).Reflect(new(A))

	schema := mcp.ToolInputSchema{Type: "object", AdditionalProperties: allowAdditional}
	if reflected == nil || reflected.Type != "object" {
		return schema
	}
	schema.Properties = propertiesOf(reflected)
	schema.Required = append([]string(nil), reflected.Required...)
	if len(schema.Required) == 0 {
		schema.Required = nil
	}
	return schema
}

func propertiesOf(s *jsonschema.Schema) map[string]mcp.SchemaProperty {
	if s.Properties == nil || s.Properties.Len() == 0 {
		return nil
	}
	props := make(map[string]mcp.SchemaProperty, s.Properties.Len())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		props[pair.Key] = propertyOf(pair.Value)
	}
	return props
}

func propertyOf(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	prop := mcp.SchemaProperty{Type: s.Type, Description: s.Description, Enum: s.Enum}
	switch s.Type {
	case "array":
		if s.Items != nil {
			item := propertyOf(s.Items)
			prop.Items = &item
		}
	case "object":
		prop.Properties = propertiesOf(s)
	}
	return prop
}

// ToolsContainer is a threadsafe set of tool descriptors and handlers.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	pageSize int
}

// NewToolsContainer constructs a container holding defs. On duplicate names
// the first definition wins.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{pageSize: 50, handlers: make(map[string]ToolHandler)}
	for _, d := range defs {
		st.Add(d)
	}
	return st
}

// SetPageSize sets the tools/list page size. Non-positive values are ignored.
func (st *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	st.mu.Lock()
	st.pageSize = n
	st.mu.Unlock()
}

// Add registers def unless its name is already taken. Returns true if added.
func (st *ToolsContainer) Add(def StaticTool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	name := def.Descriptor.Name
	if _, exists := st.handlers[name]; exists || def.Handler == nil {
		return false
	}
	st.tools = append(st.tools, def.Descriptor)
	st.handlers[name] = def.Handler
	return true
}

// Snapshot returns a copy of the current tool descriptors.
func (st *ToolsContainer) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// ListTools returns one page of descriptors starting at cursor and the cursor
// of the following page, empty on the last page.
func (st *ToolsContainer) ListTools(_ context.Context, cursor string) ([]mcp.Tool, string) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	start, err := strconv.Atoi(cursor)
	if err != nil || start < 0 || start > len(st.tools) {
		start = 0
	}
	end := min(start+st.pageSize, len(st.tools))

	items := make([]mcp.Tool, end-start)
	copy(items, st.tools[start:end])
	if end < len(st.tools) {
		return items, strconv.Itoa(end)
	}
	return items, ""
}

// Call dispatches req to the named tool.
func (st *ToolsContainer) Call(ctx context.Context, session Session, req *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, errors.New("invalid tool request: missing name")
	}
	st.mu.RLock()
	h := st.handlers[req.Name]
	st.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, session, req)
}

// TextResult builds a successful single-text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}
