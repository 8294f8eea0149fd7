package collab

import (
	"encoding/json"
	"sync"
	"time"

	"docsync/internal/models"
)

// PresenceStore tracks who is viewing or editing each document. Records are
// keyed by the (document, user, session) triple. Staleness is evaluated at
// read time against the freshness window - nothing sweeps presence
// proactively; the idle reaper evicts the owning connections instead.
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*models.PresenceRecord // doc id -> conn id -> record
	window  time.Duration
	now     func() time.Time
}

// NewPresenceStore creates a presence store with the given freshness
// window. The clock is injectable for tests; nil means time.Now.
func NewPresenceStore(window time.Duration, clock func() time.Time) *PresenceStore {
	if clock == nil {
		clock = time.Now
	}
	return &PresenceStore{
		records: make(map[string]map[string]*models.PresenceRecord),
		window:  window,
		now:     clock,
	}
}

// Upsert inserts or replaces the record for (document, user, session) and
// refreshes last-seen.
func (p *PresenceStore) Upsert(documentID, userID, sessionID string, status models.PresenceStatus, cursor, selection json.RawMessage, user models.UserInfo) *models.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.records[documentID] == nil {
		p.records[documentID] = make(map[string]*models.PresenceRecord)
	}
	rec := &models.PresenceRecord{
		DocumentID: documentID,
		UserID:     userID,
		SessionID:  sessionID,
		Status:     status,
		Cursor:     cursor,
		Selection:  selection,
		User:       user,
		LastSeenAt: p.now(),
	}
	p.records[documentID][ConnectionID(userID, sessionID)] = rec
	return rec
}

// SetStatus narrows to a status change (used when an edit starts) without
// touching cursor data. Unknown keys are a no-op.
func (p *PresenceStore) SetStatus(documentID, userID, sessionID string, status models.PresenceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if recs, ok := p.records[documentID]; ok {
		if rec, ok := recs[ConnectionID(userID, sessionID)]; ok {
			rec.Status = status
			rec.LastSeenAt = p.now()
		}
	}
}

// SetCursor updates cursor/selection state and refreshes last-seen,
// returning a copy of the updated record. Unknown keys are a no-op.
func (p *PresenceStore) SetCursor(documentID, userID, sessionID string, cursor, selection json.RawMessage) (models.PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if recs, ok := p.records[documentID]; ok {
		if rec, ok := recs[ConnectionID(userID, sessionID)]; ok {
			rec.Cursor = cursor
			rec.Selection = selection
			rec.LastSeenAt = p.now()
			return *rec, true
		}
	}
	return models.PresenceRecord{}, false
}

// Get returns a copy of the record for (document, user, session) regardless
// of freshness. The leave path needs display info even for records the
// window has already aged out.
func (p *PresenceStore) Get(documentID, userID, sessionID string) (models.PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if recs, ok := p.records[documentID]; ok {
		if rec, ok := recs[ConnectionID(userID, sessionID)]; ok {
			return *rec, true
		}
	}
	return models.PresenceRecord{}, false
}

// Remove deletes the record for (document, user, session). Called on leave
// and disconnect. Empty per-document maps are dropped.
func (p *PresenceStore) Remove(documentID, userID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if recs, ok := p.records[documentID]; ok {
		delete(recs, ConnectionID(userID, sessionID))
		if len(recs) == 0 {
			delete(p.records, documentID)
		}
	}
}

// ActiveFor returns copies of the records whose last-seen falls within the
// freshness window.
func (p *PresenceStore) ActiveFor(documentID string) []models.PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := p.now().Add(-p.window)
	active := make([]models.PresenceRecord, 0, len(p.records[documentID]))
	for _, rec := range p.records[documentID] {
		if rec.LastSeenAt.Before(cutoff) {
			continue
		}
		active = append(active, *rec)
	}
	return active
}
