// Package registry tracks which WebSocket connections belong to which user
// on this process. Bindings are process-local: a user's entry here means
// their socket terminates on this instance, so messages for them can be
// written directly instead of routed elsewhere.
package registry

import "sync"

// Registry is a thread-safe two-way index between user ids and connection
// ids. A user may hold several connections at once (multiple tabs); each
// connection belongs to at most one user.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]uint64 // userID -> connID -> bind sequence
	byConn map[string]string            // connID -> userID
	seq    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]uint64),
		byConn: make(map[string]string),
	}
}

// Bind associates a connection with a user. If the connection was bound to
// another user it is moved. Returns the previous owner's user id, or ""
// if the connection was unbound.
func (r *Registry) Bind(userID, connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byConn[connID]
	if prev == userID {
		return prev
	}
	if prev != "" {
		r.detachLocked(prev, connID)
	}

	r.seq++
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]uint64)
		r.byUser[userID] = conns
	}
	conns[connID] = r.seq
	r.byConn[connID] = userID
	return prev
}

// Unbind removes a connection's binding. Returns the user it belonged to
// and whether that was the user's last connection. Unbound connections
// return ("", false).
func (r *Registry) Unbind(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	r.detachLocked(userID, connID)
	_, stillThere := r.byUser[userID]
	return userID, !stillThere
}

// detachLocked removes one conn from a user's set, dropping the set when it
// empties. Caller holds the write lock.
func (r *Registry) detachLocked(userID, connID string) {
	delete(r.byConn, connID)
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// Resolve returns the user's most recently bound connection id. When a user
// has several tabs open, signaling goes to the newest one.
func (r *Registry) Resolve(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	var best string
	var bestSeq uint64
	for connID, seq := range conns {
		if seq >= bestSeq {
			best = connID
			bestSeq = seq
		}
	}
	return best, true
}

// UserFor returns the user a connection is bound to.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// Connections returns all connection ids bound to a user.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out
}

// HasConnections reports whether the user has at least one bound connection
// on this process.
func (r *Registry) HasConnections(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Count returns the number of bound connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
