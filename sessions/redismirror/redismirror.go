// Package redismirror publishes the sessions held by this process to Redis
// so operators and sibling instances can tell which node owns a client's
// stream. It is a sessions.Observer; Redis failures are logged and never
// affect the local registry.
package redismirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed mirror. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sse:"`
}

// Record is the JSON document stored per session.
type Record struct {
	SessionID string    `json:"session_id"`
	ClientKey string    `json:"client_key"`
	Node      string    `json:"node"`
	OpenedAt  time.Time `json:"opened_at"`
}

// deleteIfOwner removes the client index entry only while it still names the
// closing session, so a handover on another node is not undone.
var deleteIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Mirror struct {
	client    *redis.Client
	ownClient bool
	keyPrefix string
	ttl       time.Duration
	node      string
	timeout   time.Duration
	log       *slog.Logger
}

var _ sessions.Observer = (*Mirror)(nil)

type Option func(*Mirror)

// WithTTL bounds how long a record outlives a node that died without
// cleaning up. Use the registry idle timeout.
func WithTTL(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithKeyPrefix(p string) Option {
	return func(m *Mirror) {
		if p != "" {
			m.keyPrefix = p
		}
	}
}

// WithNode names this process in records. Defaults to the hostname.
func WithNode(node string) Option {
	return func(m *Mirror) {
		if node != "" {
			m.node = node
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.log = l
		}
	}
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *redis.Client, opts ...Option) *Mirror {
	node, _ := os.Hostname()
	m := &Mirror{
		client:    client,
		keyPrefix: "mcp:sse:",
		ttl:       sessions.DefaultIdleTimeout,
		node:      node,
		timeout:   2 * time.Second,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dial connects to cfg.RedisAddr and verifies the connection.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Mirror, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address is required")
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	m := New(cl, append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)...)
	m.ownClient = true
	return m, nil
}

// Close closes the Redis client if Dial created it.
func (m *Mirror) Close() error {
	if !m.ownClient {
		return nil
	}
	return m.client.Close()
}

func (m *Mirror) sessionKey(sessionID string) string { return m.keyPrefix + "session:" + sessionID }
func (m *Mirror) clientKey(clientKey string) string  { return m.keyPrefix + "client:" + clientKey }

func (m *Mirror) SessionOpened(ctx context.Context, s *sessions.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	rec, err := json.Marshal(Record{
		SessionID: s.ID(),
		ClientKey: s.ClientKey(),
		Node:      m.node,
		OpenedAt:  s.OpenedAt().UTC(),
	})
	if err != nil {
		m.log.ErrorContext(ctx, "redismirror.encode.fail", slog.String("err", err.Error()))
		return
	}

	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, m.sessionKey(s.ID()), rec, m.ttl)
		p.Set(ctx, m.clientKey(s.ClientKey()), s.ID(), m.ttl)
		return nil
	})
	if err != nil {
		m.log.WarnContext(ctx, "redismirror.open.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
		return
	}
	m.log.DebugContext(ctx, "redismirror.open.ok", slog.String("session_id", s.ID()))
}

func (m *Mirror) SessionClosed(ctx context.Context, s *sessions.Session, reason sessions.CloseReason) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	if err := m.client.Del(ctx, m.sessionKey(s.ID())).Err(); err != nil {
		m.log.WarnContext(ctx, "redismirror.close.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
	}
	if err := deleteIfOwner.Run(ctx, m.client, []string{m.clientKey(s.ClientKey())}, s.ID()).Err(); err != nil {
		m.log.WarnContext(ctx, "redismirror.close.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
		return
	}
	m.log.DebugContext(ctx, "redismirror.close.ok", slog.String("session_id", s.ID()), slog.String("reason", string(reason)))
}

// Owner returns the record of the session currently mirrored for clientKey.
func (m *Mirror) Owner(ctx context.Context, clientKey string) (Record, bool, error) {
	id, err := m.client.Get(ctx, m.clientKey(clientKey)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load client index: %w", err)
	}
	return m.Session(ctx, id)
}

// Session returns the mirrored record for sessionID.
func (m *Mirror) Session(ctx context.Context, sessionID string) (Record, bool, error) {
	raw, err := m.client.Get(ctx, m.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load session record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode session record: %w", err)
	}
	return rec, true, nil
}
