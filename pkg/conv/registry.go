package conv

import "sync"

// supersededReason is sent to a connection displaced by a newer one for
// the same conversation.
const supersededReason = "New connection established"

// Conn is the registry's view of a live client connection. Send must be
// atomic per connection; Close must be idempotent.
type Conn interface {
	Send(e *Envelope) error
	Close(code int, reason string) error
}

// Registry maps conversation ids to their single live connection. At
// most one connection per conversation exists at any time; a newer admit
// supersedes the older connection.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Admit registers the connection for the conversation. Any previous
// connection is closed with the superseded reason before replacement.
func (r *Registry) Admit(conversationID string, c Conn) {
	r.mu.Lock()
	prev := r.conns[conversationID]
	r.conns[conversationID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		prev.Close(CloseNormal, supersededReason)
	}
}

// Drop removes the connection, but only if it is still the registered
// one; a superseded connection's deferred drop must not evict its
// replacement.
func (r *Registry) Drop(conversationID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conversationID] == c {
		delete(r.conns, conversationID)
	}
}

// Get returns the live connection for the conversation, or nil.
func (r *Registry) Get(conversationID string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[conversationID]
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
