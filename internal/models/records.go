package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Durable row types for the collaboration record store. Server-generated
// primary keys are KSUIDs (time-ordered, index-friendly) assigned in
// BeforeCreate hooks; document and user ids come from outside this system
// and are stored as given.

// DocumentRecord is the version authority for one document. The Version
// column, updated per edit, is the single source of truth - the in-memory
// operation tail is bounded and may have evicted older entries.
type DocumentRecord struct {
	ID           string    `json:"id" gorm:"type:text;primaryKey"`
	Version      int64     `json:"version" gorm:"not null;default:1"`
	LastEditorID string    `json:"last_editor_id" gorm:"type:text"`
	LastEditedAt time.Time `json:"last_edited_at"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// SessionRecord marks a collaboration session's start and end.
type SessionRecord struct {
	ID         string     `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID string     `json:"document_id" gorm:"type:text;not null;index"`
	UserID     string     `json:"user_id" gorm:"type:text;not null;index:idx_session_user"`
	SessionID  string     `json:"session_id" gorm:"type:text;not null;index:idx_session_user"`
	StartedAt  time.Time  `json:"started_at" gorm:"autoCreateTime"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (s *SessionRecord) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// PresenceRow is the durable shadow of an in-memory presence record, kept
// so presence survives a process restart for reporting purposes.
type PresenceRow struct {
	ID         string    `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID string    `json:"document_id" gorm:"type:text;not null;index"`
	UserID     string    `json:"user_id" gorm:"type:text;not null;uniqueIndex:idx_presence_key"`
	SessionID  string    `json:"session_id" gorm:"type:text;not null;uniqueIndex:idx_presence_key"`
	Status     string    `json:"status" gorm:"type:varchar(20);not null"`
	Cursor     []byte    `json:"cursor,omitempty" gorm:"type:jsonb"`
	Selection  []byte    `json:"selection,omitempty" gorm:"type:jsonb"`
	Email      string    `json:"email" gorm:"type:text"`
	Name       string    `json:"name" gorm:"type:text"`
	LastSeenAt time.Time `json:"last_seen_at" gorm:"index"`
}

func (p *PresenceRow) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// OperationRow is a durably persisted edit operation.
type OperationRow struct {
	ID            string    `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID    string    `json:"document_id" gorm:"type:text;not null;index"`
	UserID        string    `json:"user_id" gorm:"type:text;not null"`
	SessionID     string    `json:"session_id" gorm:"type:text;not null"`
	Payload       []byte    `json:"payload" gorm:"type:jsonb;not null"`
	VersionBefore int64     `json:"version_before" gorm:"not null"`
	VersionAfter  int64     `json:"version_after" gorm:"not null"`
	Checksum      string    `json:"checksum" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

func (o *OperationRow) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

// CollaborationEvent is the audit log of join/edit/leave activity.
type CollaborationEvent struct {
	ID         string         `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID string         `json:"document_id" gorm:"type:text;not null;index"`
	UserID     string         `json:"user_id" gorm:"type:text;not null"`
	EventType  string         `json:"event_type" gorm:"type:varchar(50);not null"`
	Data       map[string]any `json:"data" gorm:"type:jsonb;serializer:json"`
	CreatedAt  time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

func (e *CollaborationEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	return nil
}

// UserRecord backs the user profile lookup. Identity management itself is
// external; this table is read-only from the collaboration layer's view.
type UserRecord struct {
	ID        string    `json:"id" gorm:"type:text;primaryKey"`
	Email     string    `json:"email" gorm:"type:text;not null"`
	Name      string    `json:"name" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
