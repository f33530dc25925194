// Package sse implements the server side of one legacy MCP SSE channel: a
// GET response held open as a text/event-stream that first announces the
// POST endpoint and then carries JSON-RPC messages as `message` events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
)

const (
	// EventEndpoint announces the URL to POST messages to.
	EventEndpoint = "endpoint"
	// EventMessage carries one JSON-RPC message.
	EventMessage = "message"

	// HeaderSessionID echoes the session id on the GET response.
	HeaderSessionID = "Mcp-Session-Id"

	DefaultEndpoint     = "/mcp"
	DefaultKeepAlive    = 30 * time.Second
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned when using a stream that has been closed.
	ErrClosed = errors.New("sse stream closed")
	// ErrInvalidMessage is returned by Deliver for payloads that are not a
	// single JSON-RPC 2.0 message.
	ErrInvalidMessage = errors.New("invalid JSON-RPC message")
	// ErrFlusherUnsupported is returned by Open when the ResponseWriter
	// cannot stream.
	ErrFlusherUnsupported = errors.New("response writer does not support flushing")
)

// Dispatcher handles inbound messages. A non-nil response is pushed back to
// the client as a message event.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	return f(ctx, msg)
}

// Option configures a Stream.
type Option func(*config)

type config struct {
	endpoint     string
	keepAlive    time.Duration
	writeTimeout time.Duration
	queueSize    int
	dispatcher   Dispatcher
	log          *slog.Logger
}

// WithEndpoint sets the path announced in the endpoint event.
func WithEndpoint(path string) Option {
	return func(c *config) {
		if path != "" {
			c.endpoint = path
		}
	}
}

// WithKeepAlive sets the interval of keep-alive comments. Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.keepAlive = d
		}
	}
}

// WithWriteTimeout bounds each frame write so a peer that stopped reading
// cannot hold the stream open. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.writeTimeout = d
		}
	}
}

// WithQueueSize bounds the number of delivered messages awaiting dispatch.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(c *config) { c.dispatcher = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// Stream is one open SSE channel bound to a single GET request.
type Stream struct {
	id         string
	endpoint   string
	keepAlive  time.Duration
	wf         *lockedWriteFlusher
	ctx        context.Context
	cancel     context.CancelFunc
	inbox      chan *jsonrpc.AnyMessage
	dispatcher Dispatcher
	log        *slog.Logger

	announceOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
}

// Open binds a stream for sessionID to w without writing anything. Nothing
// reaches the client until Announce, so the session can be made routable
// before the client learns its id and a caller that fails in between can
// still answer with an ordinary error response. The stream lives until Close
// is called, the request context ends or a write fails.
func Open(w http.ResponseWriter, r *http.Request, sessionID string, opts ...Option) (*Stream, error) {
	cfg := config{
		endpoint:     DefaultEndpoint,
		keepAlive:    DefaultKeepAlive,
		writeTimeout: DefaultWriteTimeout,
		queueSize:    DefaultQueueSize,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrFlusherUnsupported
	}

	ctx, cancel := context.WithCancel(r.Context())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	wf := &lockedWriteFlusher{
		Writer:      w,
		header:      w.Header(),
		writeHeader: w.WriteHeader,
		rc:          http.NewResponseController(w),
		timeout:     cfg.writeTimeout,
		ctx:         ctx,
	}
	s := &Stream{
		id:         sessionID,
		endpoint:   endpointURL(cfg.endpoint, sessionID),
		keepAlive:  cfg.keepAlive,
		wf:         wf,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan *jsonrpc.AnyMessage, cfg.queueSize),
		dispatcher: cfg.dispatcher,
		log:        cfg.log,
		done:       make(chan struct{}),
	}

	go s.watch()
	go s.run()

	s.log.DebugContext(ctx, "sse.stream.open")
	return s, nil
}

// Announce commits the event-stream headers and the endpoint event, then
// starts the keep-alive comments. Only the first call writes.
func (s *Stream) Announce() error {
	var err error
	s.announceOnce.Do(func() {
		err = s.wf.writeHead(s.id)
		if err == nil {
			err = s.wf.writeFrame(encodeEvent(EventEndpoint, []byte(s.endpoint)))
		}
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				s.Close()
			}
			err = fmt.Errorf("failed to write endpoint event: %w", err)
			return
		}
		if s.keepAlive > 0 {
			go s.runKeepAlive(s.keepAlive)
		}
		s.log.DebugContext(s.ctx, "sse.stream.announce", slog.String("endpoint", s.endpoint))
	})
	return err
}

func endpointURL(path, sessionID string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "sessionId=" + url.QueryEscape(sessionID)
}

// ID returns the session id the stream was opened for.
func (s *Stream) ID() string { return s.id }

// Done is closed once the stream has stopped, whatever the cause.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Send pushes msg to the client as a message event.
func (s *Stream) Send(ctx context.Context, msg any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.wf.writeFrame(encodeEvent(EventMessage, data)); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		s.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		s.Close()
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Deliver validates payload as one JSON-RPC message and queues it for the
// dispatcher. It blocks while the queue is full.
func (s *Stream) Deliver(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	msg, err := jsonrpc.Parse(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the stream. It is idempotent and closes Done exactly once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wf.seal()
		close(s.done)
	})
	return nil
}

func (s *Stream) watch() {
	<-s.ctx.Done()
	s.Close()
}

func (s *Stream) runKeepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.wf.writeFrame(encodeComment("keepalive")); err != nil {
				if !errors.Is(err, ErrClosed) {
					s.log.InfoContext(s.ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				}
				s.Close()
				return
			}
		}
	}
}

// run feeds queued messages to the dispatcher one at a time.
func (s *Stream) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			s.dispatch(msg)
		}
	}
}

func (s *Stream) dispatch(msg *jsonrpc.AnyMessage) {
	start := time.Now()
	ctx := logctx.WithRPCMessage(s.ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if s.dispatcher == nil {
		s.log.WarnContext(ctx, "sse.dispatch.skip")
		return
	}

	res, err := s.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		s.log.ErrorContext(ctx, "sse.dispatch.fail", slog.String("err", err.Error()))
		if msg.Type() != jsonrpc.TypeRequest {
			return
		}
		res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if res == nil {
		return
	}

	if err := s.Send(ctx, res); err != nil {
		s.log.InfoContext(ctx, "sse.response.drop", slog.String("err", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "sse.message.deliver", slog.Duration("dur", time.Since(start)))
}
