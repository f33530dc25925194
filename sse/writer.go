package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// lockedWriteFlusher serializes writes and flushes to one response and
// refuses them once the stream context is done or the writer is sealed.
// Each frame must reach the peer within timeout.
type lockedWriteFlusher struct {
	io.Writer
	header      http.Header
	writeHeader func(status int)
	rc          *http.ResponseController
	timeout     time.Duration
	mu          sync.Mutex
	ctx         context.Context
	sealed      bool
}

func (l *lockedWriteFlusher) usable() error {
	if l.sealed {
		return ErrClosed
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// writeHead stages the event-stream response headers. They reach the peer
// with the first flushed frame.
func (l *lockedWriteFlusher) writeHead(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	h := l.header
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(HeaderSessionID, sessionID)
	l.writeHeader(http.StatusOK)
	return nil
}

// writeFrame writes one complete SSE frame and flushes it.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	if l.timeout > 0 {
		if err := l.rc.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := l.Writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	if err := l.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE frame: %w", err)
	}
	return nil
}

// seal waits for any in-flight write, which the write deadline bounds, and
// blocks all later ones so the response is never touched after the handler
// returns. The deadline is cleared for the final chunk net/http writes.
func (l *lockedWriteFlusher) seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return
	}
	l.sealed = true
	if l.timeout > 0 {
		_ = l.rc.SetWriteDeadline(time.Time{})
	}
}

// encodeEvent renders an SSE event. Multi-line data is split across data
// fields as the event-stream format requires.
func encodeEvent(event string, data []byte) []byte {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func encodeComment(text string) []byte {
	return []byte(": " + text + "\n\n")
}
