package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultIdleTimeout bounds the lifetime of a session that nothing else closes.
const DefaultIdleTimeout = 5 * time.Minute

// ErrRegistryClosed is returned by Open after Shutdown.
var ErrRegistryClosed = errors.New("session registry is shut down")

// Observer is told about session lifecycle transitions. Calls happen outside
// the registry lock; SessionClosed always follows SessionOpened for the same
// session.
type Observer interface {
	SessionOpened(ctx context.Context, s *Session)
	SessionClosed(ctx context.Context, s *Session, reason CloseReason)
}

// Registry indexes live sessions by session id and by client key.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byClient map[string]*Session
	closed   bool

	idleTimeout time.Duration
	clock       clockwork.Clock
	log         *slog.Logger
	observers   []Observer
	newID       func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout sets how long a session may stay open. Non-positive values
// keep DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithClock replaces the wall clock that drives idle timers.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithObserver registers o for lifecycle notifications. May be repeated.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID:        make(map[string]*Session),
		byClient:    make(map[string]*Session),
		idleTimeout: DefaultIdleTimeout,
		clock:       clockwork.NewRealClock(),
		log:         slog.Default(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IdleTimeout reports the configured idle timeout.
func (r *Registry) IdleTimeout() time.Duration { return r.idleTimeout }

// Open creates a session for clientKey, evicting any session the key already
// holds. newChannel runs before the registry is touched; if it fails nothing
// is registered. Closing the evicted channel never fails the open.
func (r *Registry) Open(ctx context.Context, clientKey string, newChannel ChannelFactory) (*Session, error) {
	start := time.Now()
	id := r.newID()

	ch, err := newChannel(id)
	if err != nil {
		r.log.ErrorContext(ctx, "session.open.fail", slog.String("client_key", clientKey), slog.String("err", err.Error()))
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	sess := &Session{
		id:        id,
		clientKey: clientKey,
		channel:   ch,
		openedAt:  r.clock.Now(),
		detached:  make(chan struct{}),
		announced: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	sess.state.Store(int32(StateOpen))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := ch.Close(); err != nil {
			r.log.WarnContext(ctx, "session.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
		return nil, ErrRegistryClosed
	}
	prev := r.byClient[clientKey]
	if prev != nil {
		r.detachLocked(prev, ReasonHandover)
	}
	r.byID[id] = sess
	r.byClient[clientKey] = sess
	sess.timer = r.clock.AfterFunc(r.idleTimeout, func() {
		r.Close(context.Background(), sess, ReasonTimeout)
	})
	r.mu.Unlock()

	if prev != nil {
		r.log.InfoContext(ctx, "session.evict",
			slog.String("session_id", prev.id),
			slog.String("replaced_by", id),
			slog.String("client_key", clientKey),
		)
		r.finish(ctx, prev, ReasonHandover)
	}

	for _, o := range r.observers {
		o.SessionOpened(ctx, sess)
	}
	sess.markAnnounced()

	go r.watch(sess)

	r.log.InfoContext(ctx, "session.open.ok",
		slog.String("session_id", id),
		slog.String("client_key", clientKey),
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("dur", time.Since(start)),
	)
	return sess, nil
}

// Lookup returns the open session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// ForClient returns the open session held by clientKey.
func (r *Registry) ForClient(clientKey string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byClient[clientKey]
	return s, ok
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Sessions returns a snapshot of the open sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Close tears s down. Only the first call for a session has any effect; it
// reports whether this call was the one that closed it.
func (r *Registry) Close(ctx context.Context, s *Session, reason CloseReason) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	if r.byID[s.id] != s {
		r.mu.Unlock()
		return false
	}
	r.detachLocked(s, reason)
	r.mu.Unlock()

	r.finish(ctx, s, reason)
	return true
}

// Shutdown closes every open session and rejects further opens. All channels
// are closed even when ctx is already done; its error is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	open := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		r.detachLocked(s, ReasonShutdown)
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		r.finish(ctx, s, ReasonShutdown)
	}
	r.log.InfoContext(ctx, "session.registry.shutdown", slog.Int("closed", len(open)))
	return ctx.Err()
}

// detachLocked removes s from both indexes and disarms its timer. r.mu must
// be held and s must still be indexed.
func (r *Registry) detachLocked(s *Session, reason CloseReason) {
	delete(r.byID, s.id)
	if r.byClient[s.clientKey] == s {
		delete(r.byClient, s.clientKey)
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.reason.Store(reason)
	s.state.Store(int32(StateClosing))
	close(s.detached)
}

// finish closes the channel of a detached session and notifies observers.
func (r *Registry) finish(ctx context.Context, s *Session, reason CloseReason) {
	<-s.announced

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, ClientKey: s.clientKey})
	if err := s.channel.Close(); err != nil {
		r.log.WarnContext(ctx, "session.close.fail", slog.String("reason", string(reason)), slog.String("err", err.Error()))
	}
	s.state.Store(int32(StateClosed))

	for _, o := range r.observers {
		o.SessionClosed(ctx, s, reason)
	}
	close(s.closed)

	r.log.InfoContext(ctx, "session.close.ok",
		slog.String("reason", string(reason)),
		slog.Duration("age", r.clock.Since(s.openedAt)),
	)
}

// watch turns a peer-side channel closure into a registry close.
func (r *Registry) watch(s *Session) {
	select {
	case <-s.channel.Done():
		r.Close(context.Background(), s, ReasonPeerClosed)
	case <-s.detached:
	}
}
