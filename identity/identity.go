// Package identity derives the client key used to recognise the same logical
// client across SSE reconnects.
package identity

import (
	"net"
	"net/http"
	"strings"
)

const (
	// QueryClientID is the query parameter carrying an explicit client id.
	QueryClientID = "clientId"
	// HeaderClientID is the header carrying an explicit client id.
	HeaderClientID = "X-Client-Id"
	// HeaderN8NSessionID is the session header sent by n8n's MCP client node.
	HeaderN8NSessionID = "X-N8n-Session-Id"

	unknownIP = "unknown-ip"
	unknownUA = "unknown-ua"
	separator = "__"
)

// Hints are the request facts a client key is derived from.
type Hints struct {
	QueryClientID  string
	HeaderClientID string
	N8NSessionID   string
	PeerIP         string
	UserAgent      string
}

// Key returns the first non-empty explicit identifier in priority order,
// byte for byte, or "<ip>__<user-agent>" when none is present. It never
// fails.
func Key(h Hints) string {
	for _, v := range []string{h.QueryClientID, h.HeaderClientID, h.N8NSessionID} {
		if v != "" {
			return v
		}
	}

	ip := h.PeerIP
	if ip == "" {
		ip = unknownIP
	}
	ua := h.UserAgent
	if ua == "" {
		ua = unknownUA
	}
	return ip + separator + ua
}

// Resolver extracts Hints from HTTP requests.
type Resolver struct {
	// TrustForwardedFor uses the left-most X-Forwarded-For entry as the peer
	// address. Only enable behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

// ClientKey derives the client key for r.
func (res Resolver) ClientKey(r *http.Request) string {
	return Key(res.Hints(r))
}

// Hints collects the identity inputs present on r.
func (res Resolver) Hints(r *http.Request) Hints {
	return Hints{
		QueryClientID:  r.URL.Query().Get(QueryClientID),
		HeaderClientID: r.Header.Get(HeaderClientID),
		N8NSessionID:   r.Header.Get(HeaderN8NSessionID),
		PeerIP:         res.peerIP(r),
		UserAgent:      r.UserAgent(),
	}
}

func (res Resolver) peerIP(r *http.Request) string {
	if res.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	if r.RemoteAddr == "" {
		return ""
	}
	// The source port differs per connection, so only the host takes part in
	// the key.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
