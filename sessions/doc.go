// Package sessions tracks the live SSE sessions of the gateway.
//
// A Registry owns two indexes over one set of sessions: by session id (used
// to route POSTed messages) and by client key (used to detect a client that
// reconnects). Opening a session for a client key that already has one is an
// atomic evict-then-insert: the previous session leaves both indexes before
// the new one is inserted, and its channel is closed afterwards outside the
// registry lock.
//
// Every session is torn down exactly once, by whichever comes first of
//
//	handover     a newer session for the same client key
//	timeout      the idle timer armed when the session opened
//	peer_closed  the channel's Done signal (client went away)
//	shutdown     Registry.Shutdown
//
// Later triggers observe the session already gone and do nothing. The idle
// timer runs from the moment the session opens; routed traffic does not
// extend it.
//
// Observers (metrics, the Redis mirror) are told about opens and closes
// after the fact and never under the registry lock.
package sessions
