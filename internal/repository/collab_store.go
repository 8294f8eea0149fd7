package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"docsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CollabStoreImpl is the GORM implementation of the durable record store
// consumed by the collaboration core. It doesn't know about any interface -
// the collab package declares what it needs ("accept interfaces, return
// structs").
type CollabStoreImpl struct {
	db *gorm.DB
}

// NewCollabStore creates a new collaboration record store.
func NewCollabStore(db *gorm.DB) *CollabStoreImpl {
	return &CollabStoreImpl{db: db}
}

// InsertSession records the start of a collaboration session.
func (r *CollabStoreImpl) InsertSession(ctx context.Context, documentID, userID, sessionID string) error {
	rec := &models.SessionRecord{
		DocumentID: documentID,
		UserID:     userID,
		SessionID:  sessionID,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// EndSession closes every open session row for the (user, session) pair.
// Closing an already-closed or unknown session is a no-op.
func (r *CollabStoreImpl) EndSession(ctx context.Context, userID, sessionID string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("user_id = ? AND session_id = ? AND ended_at IS NULL", userID, sessionID).
		Update("ended_at", now).Error
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// CurrentVersion returns the authoritative version for a document,
// creating the record at version 1 on first touch.
func (r *CollabStoreImpl) CurrentVersion(ctx context.Context, documentID string) (int64, error) {
	rec := models.DocumentRecord{ID: documentID, Version: 1}
	err := r.db.WithContext(ctx).
		Where(models.DocumentRecord{ID: documentID}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read document version: %w", err)
	}
	return rec.Version, nil
}

// UpdateDocumentVersion commits a new version along with last-editor fields.
func (r *CollabStoreImpl) UpdateDocumentVersion(ctx context.Context, documentID string, version int64, editorID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.DocumentRecord{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"version":        version,
			"last_editor_id": editorID,
			"last_edited_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update document version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("document record not found: %s", documentID)
	}
	return nil
}

// UpsertPresence writes the durable shadow of a presence record, keyed by
// the (user, session) pair.
func (r *CollabStoreImpl) UpsertPresence(ctx context.Context, rec *models.PresenceRecord) error {
	row := &models.PresenceRow{
		DocumentID: rec.DocumentID,
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		Status:     string(rec.Status),
		Cursor:     rec.Cursor,
		Selection:  rec.Selection,
		Email:      rec.User.Email,
		Name:       rec.User.Name,
		LastSeenAt: rec.LastSeenAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"document_id", "status", "cursor", "selection", "email", "name", "last_seen_at",
			}),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// DeletePresence removes the durable presence row for a (user, session) pair.
func (r *CollabStoreImpl) DeletePresence(ctx context.Context, userID, sessionID string) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Delete(&models.PresenceRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// InsertOperation durably persists a committed edit operation.
func (r *CollabStoreImpl) InsertOperation(ctx context.Context, rec *models.OperationRecord) error {
	payload, err := json.Marshal(rec.Op)
	if err != nil {
		return fmt.Errorf("failed to encode operation payload: %w", err)
	}
	row := &models.OperationRow{
		ID:            rec.ID,
		DocumentID:    rec.DocumentID,
		UserID:        rec.UserID,
		SessionID:     rec.SessionID,
		Payload:       payload,
		VersionBefore: rec.VersionBefore,
		VersionAfter:  rec.VersionAfter,
		Checksum:      rec.Checksum,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// QueryRecentOperations returns the most recent operations for a document,
// most-recent-first.
func (r *CollabStoreImpl) QueryRecentOperations(ctx context.Context, documentID string, limit int) ([]*models.OperationRecord, error) {
	var rows []*models.OperationRow
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_after DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query recent operations: %w", err)
	}

	records := make([]*models.OperationRecord, 0, len(rows))
	for _, row := range rows {
		var op models.Operation
		if err := json.Unmarshal(row.Payload, &op); err != nil {
			return nil, fmt.Errorf("failed to decode operation payload: %w", err)
		}
		records = append(records, &models.OperationRecord{
			ID:            row.ID,
			DocumentID:    row.DocumentID,
			UserID:        row.UserID,
			SessionID:     row.SessionID,
			Op:            op,
			VersionBefore: row.VersionBefore,
			VersionAfter:  row.VersionAfter,
			Checksum:      row.Checksum,
			AppliedAt:     row.CreatedAt,
		})
	}
	return records, nil
}

// QueryActivePresence returns durable presence rows seen since the given time.
func (r *CollabStoreImpl) QueryActivePresence(ctx context.Context, documentID string, since time.Time) ([]*models.PresenceRecord, error) {
	var rows []*models.PresenceRow
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND last_seen_at >= ?", documentID, since).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query active presence: %w", err)
	}

	records := make([]*models.PresenceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, &models.PresenceRecord{
			DocumentID: row.DocumentID,
			UserID:     row.UserID,
			SessionID:  row.SessionID,
			Status:     models.PresenceStatus(row.Status),
			Cursor:     row.Cursor,
			Selection:  row.Selection,
			User:       models.UserInfo{ID: row.UserID, Email: row.Email, Name: row.Name},
			LastSeenAt: row.LastSeenAt,
		})
	}
	return records, nil
}

// InsertCollaborationEvent appends to the audit log.
func (r *CollabStoreImpl) InsertCollaborationEvent(ctx context.Context, documentID, userID, eventType string, data map[string]any) error {
	event := &models.CollaborationEvent{
		DocumentID: documentID,
		UserID:     userID,
		EventType:  eventType,
		Data:       data,
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert collaboration event: %w", err)
	}
	return nil
}
