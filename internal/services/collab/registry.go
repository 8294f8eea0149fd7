package collab

import (
	"sync"
	"time"
)

// ConnectionID derives the deterministic connection identity for a
// (user, session) pair. Registering the same pair twice yields the same id
// and replaces the previous entry.
func ConnectionID(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Connection is one live transport session for one (user, session) pair.
// The registry is the only component that stores the transport handle.
// Mutable fields (DocumentID, LastSeenAt) are only touched under the
// registry lock.
type Connection struct {
	ID          string
	UserID      string
	SessionID   string
	DocumentID  string // empty while unjoined
	Transport   Transport
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// Registry holds the live mapping from connection identity to transport,
// owning user and session. It never calls into the presence or
// subscription stores - the controller sequences those.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection          // connection id -> connection
	byUser map[string]map[string]struct{}  // user id -> set of connection ids
	now    func() time.Time
}

// NewRegistry creates an empty registry. The clock is injectable for tests;
// nil means time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
		now:    clock,
	}
}

// Register creates or replaces the entry for (userID, sessionID). A second
// call with the same pair overwrites the transport handle and resets
// last-seen; the previous transport, if different, is returned so the
// caller can close it.
func (r *Registry) Register(userID, sessionID string, t Transport) (*Connection, Transport) {
	id := ConnectionID(userID, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced Transport
	if prev, ok := r.conns[id]; ok && prev.Transport != t {
		replaced = prev.Transport
	}

	now := r.now()
	conn := &Connection{
		ID:          id,
		UserID:      userID,
		SessionID:   sessionID,
		Transport:   t,
		ConnectedAt: now,
		LastSeenAt:  now,
	}
	if prev, ok := r.conns[id]; ok {
		conn.DocumentID = prev.DocumentID
		conn.ConnectedAt = prev.ConnectedAt
	}
	r.conns[id] = conn

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][id] = struct{}{}

	return conn, replaced
}

// Touch updates last-seen to now. Unknown ids are a no-op.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.LastSeenAt = r.now()
	}
}

// Get returns a copy of the connection's current state.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// SetDocument records which document the connection is joined to; empty
// clears it. Unknown ids are a no-op.
func (r *Registry) SetDocument(id, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.DocumentID = documentID
	}
}

// Remove deletes and returns the entry. Used by the leave, disconnect and
// reap paths.
func (r *Registry) Remove(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)

	if set, ok := r.byUser[conn.UserID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	return *conn, true
}

// ByUser returns the connection ids for a user, supporting "is this user
// connected anywhere" queries.
func (r *Registry) ByUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IdleConnections returns the ids of connections whose last-seen timestamp
// is older than the timeout. Read by the idle reaper.
func (r *Registry) IdleConnections(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-timeout)
	var ids []string
	for id, conn := range r.conns {
		if conn.LastSeenAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
