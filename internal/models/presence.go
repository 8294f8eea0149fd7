package models

import (
	"encoding/json"
	"time"
)

// PresenceStatus describes what a participant is doing in a document.
type PresenceStatus string

const (
	StatusViewing PresenceStatus = "viewing"
	StatusEditing PresenceStatus = "editing"
	StatusIdle    PresenceStatus = "idle"
)

// Valid reports whether the status is one of the known values.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusViewing, StatusEditing, StatusIdle:
		return true
	}
	return false
}

// UserInfo is the display information resolved from the user directory.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// PresenceRecord is one participant's state in one document. There is at
// most one record per (document, user, session) triple; its lifetime is
// bounded by the owning connection.
//
// Cursor and Selection are opaque to this layer - they are position
// descriptors owned by the editor surface and are relayed verbatim.
type PresenceRecord struct {
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	Status     PresenceStatus  `json:"status"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
	User       UserInfo        `json:"user"`
	LastSeenAt time.Time       `json:"last_seen_at"`
}
