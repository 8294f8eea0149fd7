package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docsync/internal/models"
)

// OperationLog keeps a bounded trailing buffer of committed operations per
// document for snapshot replay, and persists every operation durably
// through the record store. The authoritative version lives in the
// persisted document record, never in the buffer - old entries are evicted
// once the cap is exceeded.
type OperationLog struct {
	mu       sync.RWMutex
	tails    map[string][]*models.OperationRecord // oldest first
	lastEdit map[string]time.Time
	cap      int
	store    RecordStore
}

// NewOperationLog creates an operation log with the given trailing cap.
func NewOperationLog(store RecordStore, cap int) *OperationLog {
	return &OperationLog{
		tails:    make(map[string][]*models.OperationRecord),
		lastEdit: make(map[string]time.Time),
		cap:      cap,
		store:    store,
	}
}

// Append persists the operation durably and, only on success, records it in
// the trailing buffer. A persistence failure leaves the buffer untouched so
// no unrecoverable operation is ever replayed to a joining participant.
func (l *OperationLog) Append(ctx context.Context, rec *models.OperationRecord) error {
	if rec.VersionAfter != rec.VersionBefore+1 {
		return fmt.Errorf("operation version_after %d does not follow version_before %d",
			rec.VersionAfter, rec.VersionBefore)
	}

	if err := l.store.InsertOperation(ctx, rec); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	tail := append(l.tails[rec.DocumentID], rec)
	if len(tail) > l.cap {
		tail = tail[len(tail)-l.cap:]
	}
	l.tails[rec.DocumentID] = tail
	l.lastEdit[rec.DocumentID] = rec.AppliedAt
	return nil
}

// Recent returns up to limit operations for the document, most-recent-first.
func (l *OperationLog) Recent(documentID string, limit int) []*models.OperationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tail := l.tails[documentID]
	if limit > len(tail) {
		limit = len(tail)
	}
	recent := make([]*models.OperationRecord, 0, limit)
	for i := len(tail) - 1; i >= len(tail)-limit; i-- {
		recent = append(recent, tail[i])
	}
	return recent
}

// CurrentVersion reads the authoritative version from the persisted
// document record.
func (l *OperationLog) CurrentVersion(ctx context.Context, documentID string) (int64, error) {
	return l.store.CurrentVersion(ctx, documentID)
}

// LastEditedAt reports when the document was last edited through this
// process, if it has been.
func (l *OperationLog) LastEditedAt(documentID string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastEdit[documentID]
	return t, ok
}

// Drop releases the in-memory tail for a document. Called when its last
// subscriber leaves.
func (l *OperationLog) Drop(documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tails, documentID)
	delete(l.lastEdit, documentID)
}
