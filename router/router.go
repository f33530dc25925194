// Package router maps POSTed protocol messages onto the open session they
// address.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

const (
	// QuerySessionID is the query parameter naming the target session.
	QuerySessionID = "sessionId"
	// HeaderSessionID is the header fallback naming the target session.
	HeaderSessionID = "Mcp-Session-Id"
)

var (
	// ErrMissingSessionID means the caller supplied no session id at all.
	ErrMissingSessionID = errors.New("missing session id")
	// ErrUnknownSession means no open session has the supplied id.
	ErrUnknownSession = errors.New("unknown session")
)

// Routing outcomes reported to a Recorder.
const (
	ResultOK             = "ok"
	ResultMissingSession = "missing_session"
	ResultUnknownSession = "unknown_session"
	ResultRejected       = "rejected"
)

// Recorder observes routing outcomes.
type Recorder interface {
	MessageRouted(result string)
}

// SessionID extracts the target session id from r. The query parameter wins
// over the header.
func SessionID(r *http.Request) string {
	if id := r.URL.Query().Get(QuerySessionID); id != "" {
		return id
	}
	return r.Header.Get(HeaderSessionID)
}

// Router resolves session ids against a Registry and delivers payloads to
// the matching channel.
type Router struct {
	reg      *sessions.Registry
	log      *slog.Logger
	recorder Recorder
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.log = l
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(rt *Router) { rt.recorder = rec }
}

func New(reg *sessions.Registry, opts ...Option) *Router {
	rt := &Router{reg: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Resolve returns the open session for id.
func (rt *Router) Resolve(id string) (*sessions.Session, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	sess, ok := rt.reg.Lookup(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// Route delivers payload to the channel of session id. A channel that closes
// between lookup and delivery is reported as ErrUnknownSession; other
// delivery errors are returned wrapped.
func (rt *Router) Route(ctx context.Context, id string, payload []byte) error {
	sess, err := rt.lookup(ctx, id)
	if err != nil {
		return err
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), ClientKey: sess.ClientKey()})
	ch := sess.Channel()
	if err := ch.Deliver(ctx, payload); err != nil {
		select {
		case <-ch.Done():
			rt.record(ResultUnknownSession)
			rt.log.InfoContext(ctx, "route.closed", slog.String("err", err.Error()))
			return ErrUnknownSession
		default:
		}
		rt.record(ResultRejected)
		rt.log.WarnContext(ctx, "route.deliver.fail", slog.String("err", err.Error()))
		return fmt.Errorf("failed to deliver message: %w", err)
	}

	rt.record(ResultOK)
	rt.log.DebugContext(ctx, "route.ok", slog.Int("bytes", len(payload)))
	return nil
}

// Check reports whether id addresses an open session without delivering
// anything. Misses are recorded the same way Route records them.
func (rt *Router) Check(ctx context.Context, id string) error {
	_, err := rt.lookup(ctx, id)
	return err
}

func (rt *Router) lookup(ctx context.Context, id string) (*sessions.Session, error) {
	sess, err := rt.Resolve(id)
	if err != nil {
		rt.record(resultFor(err))
		rt.log.InfoContext(ctx, "route.miss", slog.String("session_id", id), slog.String("err", err.Error()))
		return nil, err
	}
	return sess, nil
}

func (rt *Router) record(result string) {
	if rt.recorder != nil {
		rt.recorder.MessageRouted(result)
	}
}

func resultFor(err error) string {
	if errors.Is(err, ErrMissingSessionID) {
		return ResultMissingSession
	}
	return ResultUnknownSession
}
