package mcpservice

// Session is the view of the calling SSE session handed to tool handlers.
type Session interface {
	SessionID() string
	ClientKey() string
}

// SessionInfo is a plain Session value.
type SessionInfo struct {
	ID  string
	Key string
}

func (s SessionInfo) SessionID() string { return s.ID }
func (s SessionInfo) ClientKey() string { return s.Key }
