package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-sse-gateway/mcp"
)

// ToolResponseWriter collects the content of a tool result while the handler
// runs. Once Result has been called every further write fails with
// ErrFinalized.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	// Errorf appends a formatted text block and marks the result as a tool
	// error, which the model sees instead of a JSON-RPC failure.
	Errorf(format string, args ...any) error
	SetError(isError bool)
	Result() *mcp.CallToolResult
}

var ErrFinalized = errors.New("tool result already finalized")

type resultWriter struct {
	ctx context.Context

	mu     sync.Mutex
	done   bool
	result mcp.CallToolResult
}

var _ ToolResponseWriter = (*resultWriter)(nil)

func newToolResponseWriter(ctx context.Context) *resultWriter {
	return &resultWriter{ctx: ctx}
}

func (w *resultWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *resultWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrFinalized
	}
	w.result.Content = append(w.result.Content, blocks...)
	return nil
}

func (w *resultWriter) Errorf(format string, args ...any) error {
	w.SetError(true)
	return w.AppendText(fmt.Sprintf(format, args...))
}

func (w *resultWriter) SetError(isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.result.IsError = isError
	}
}

// Result is idempotent. Content is never nil so it encodes as an array.
func (w *resultWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	out := mcp.CallToolResult{IsError: w.result.IsError, Content: make([]mcp.ContentBlock, len(w.result.Content))}
	copy(out.Content, w.result.Content)
	return &out
}
