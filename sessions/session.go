package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records which trigger tore a session down.
type CloseReason string

const (
	ReasonHandover   CloseReason = "handover"
	ReasonTimeout    CloseReason = "timeout"
	ReasonPeerClosed CloseReason = "peer_closed"
	ReasonShutdown   CloseReason = "shutdown"
)

// Channel is the push connection owned by a Session.
type Channel interface {
	// Deliver hands an inbound protocol message to the channel.
	Deliver(ctx context.Context, payload []byte) error
	// Close terminates the connection. It must be idempotent.
	Close() error
	// Done is closed exactly once when the channel stops, whatever the cause.
	Done() <-chan struct{}
}

// ChannelFactory performs the channel handshake for a freshly issued id.
type ChannelFactory func(sessionID string) (Channel, error)

// Session is one client's open channel plus its routing identity.
type Session struct {
	id        string
	clientKey string
	channel   Channel
	openedAt  time.Time

	state  atomic.Int32
	reason atomic.Value // CloseReason

	// guarded by the owning Registry's mutex
	timer    clockwork.Timer
	detached chan struct{}

	announced     chan struct{}
	announcedOnce sync.Once

	// closed once teardown has finished and observers have been told.
	closed chan struct{}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) ClientKey() string   { return s.clientKey }
func (s *Session) Channel() Channel    { return s.channel }
func (s *Session) OpenedAt() time.Time { return s.openedAt }
func (s *Session) State() State        { return State(s.state.Load()) }

// Closed is closed after teardown completes, when CloseReason is final.
// Unlike the channel's Done it never fires before the registry has recorded
// why the session ended.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// CloseReason returns the teardown trigger, or "" while the session is open.
func (s *Session) CloseReason() CloseReason {
	r, _ := s.reason.Load().(CloseReason)
	return r
}

func (s *Session) markAnnounced() {
	s.announcedOnce.Do(func() { close(s.announced) })
}
