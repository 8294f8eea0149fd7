package collab

import (
	"context"
	"time"

	"docsync/internal/models"
)

// Interfaces for the external collaborators the collaboration core consumes.
// They are declared here, in the consuming package, and only list what this
// package actually calls. The GORM implementations live in
// internal/repository; tests plug in in-memory fakes.

// RecordStore is the durable side of the collaboration protocol: sessions,
// presence shadows, operations, the per-document version column, and the
// audit log. Every durable fact lives behind this interface - the in-memory
// stores never survive a restart.
type RecordStore interface {
	InsertSession(ctx context.Context, documentID, userID, sessionID string) error
	EndSession(ctx context.Context, userID, sessionID string) error
	CurrentVersion(ctx context.Context, documentID string) (int64, error)
	UpdateDocumentVersion(ctx context.Context, documentID string, version int64, editorID string) error
	UpsertPresence(ctx context.Context, rec *models.PresenceRecord) error
	DeletePresence(ctx context.Context, userID, sessionID string) error
	InsertOperation(ctx context.Context, rec *models.OperationRecord) error
	QueryRecentOperations(ctx context.Context, documentID string, limit int) ([]*models.OperationRecord, error)
	QueryActivePresence(ctx context.Context, documentID string, since time.Time) ([]*models.PresenceRecord, error)
	InsertCollaborationEvent(ctx context.Context, documentID, userID, eventType string, data map[string]any) error
}

// UserDirectory resolves user display info for presence records.
type UserDirectory interface {
	GetUserInfo(ctx context.Context, userID string) (*models.UserInfo, error)
}

// Transport is one connection's outbound side. Send must not block
// indefinitely: a full or closed transport returns an error, which the
// broadcaster treats as a delivery failure for that one connection.
type Transport interface {
	Send(msg *models.ServerMessage) error
	Close() error
}
