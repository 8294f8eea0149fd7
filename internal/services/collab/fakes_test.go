package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docsync/internal/models"
)

// Shared in-memory fakes for the collaboration tests. They live here so the
// controller, reaper and store tests all exercise the same doubles.

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeTransport records every message delivered through it.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []*models.ServerMessage
	closed bool
	fail   bool
}

func (f *fakeTransport) Send(msg *models.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	if f.fail {
		return errors.New("send buffer full")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) messagesOf(kind models.MessageKind) []*models.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ServerMessage
	for _, msg := range f.sent {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// memStore is an in-memory RecordStore with switchable failure modes.
type memStore struct {
	mu       sync.Mutex
	versions map[string]int64
	sessions map[string]bool // "user:session" -> still open
	presence map[string]*models.PresenceRecord
	ops      map[string][]*models.OperationRecord // insertion order
	events   []string

	failInsertOp      bool
	failUpdateVersion bool
}

func newMemStore() *memStore {
	return &memStore{
		versions: make(map[string]int64),
		sessions: make(map[string]bool),
		presence: make(map[string]*models.PresenceRecord),
		ops:      make(map[string][]*models.OperationRecord),
	}
}

func (m *memStore) InsertSession(_ context.Context, documentID, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID+":"+sessionID] = true
	return nil
}

func (m *memStore) EndSession(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID+":"+sessionID] = false
	return nil
}

func (m *memStore) CurrentVersion(_ context.Context, documentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[documentID]; !ok {
		m.versions[documentID] = 1
	}
	return m.versions[documentID], nil
}

func (m *memStore) UpdateDocumentVersion(_ context.Context, documentID string, version int64, editorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateVersion {
		return errors.New("update failed")
	}
	m.versions[documentID] = version
	return nil
}

func (m *memStore) UpsertPresence(_ context.Context, rec *models.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.presence[rec.UserID+":"+rec.SessionID] = &cp
	return nil
}

func (m *memStore) DeletePresence(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.presence, userID+":"+sessionID)
	return nil
}

func (m *memStore) InsertOperation(_ context.Context, rec *models.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertOp {
		return errors.New("insert failed")
	}
	cp := *rec
	m.ops[rec.DocumentID] = append(m.ops[rec.DocumentID], &cp)
	return nil
}

func (m *memStore) QueryRecentOperations(_ context.Context, documentID string, limit int) ([]*models.OperationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.ops[documentID]
	if limit > len(stored) {
		limit = len(stored)
	}
	recent := make([]*models.OperationRecord, 0, limit)
	for i := len(stored) - 1; i >= len(stored)-limit; i-- {
		recent = append(recent, stored[i])
	}
	return recent, nil
}

func (m *memStore) QueryActivePresence(_ context.Context, documentID string, since time.Time) ([]*models.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*models.PresenceRecord
	for _, rec := range m.presence {
		if rec.DocumentID == documentID && !rec.LastSeenAt.Before(since) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (m *memStore) InsertCollaborationEvent(_ context.Context, documentID, userID, eventType string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

func (m *memStore) version(documentID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[documentID]
}

func (m *memStore) opCount(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops[documentID])
}

func (m *memStore) sessionOpen(userID, sessionID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open, ok := m.sessions[userID+":"+sessionID]
	return open, ok
}

// fakeDirectory resolves users from a fixed map.
type fakeDirectory struct {
	users map[string]models.UserInfo
}

func (d *fakeDirectory) GetUserInfo(_ context.Context, userID string) (*models.UserInfo, error) {
	if u, ok := d.users[userID]; ok {
		return &u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}
