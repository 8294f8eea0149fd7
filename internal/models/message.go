package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies an inbound client event.
type EventKind string

const (
	EventJoinDocument   EventKind = "join_document"
	EventLeaveDocument  EventKind = "leave_document"
	EventDocumentEdit   EventKind = "document_edit"
	EventCursorMove     EventKind = "cursor_move"
	EventPresenceUpdate EventKind = "presence_update"
	EventPing           EventKind = "ping"
)

// MessageKind identifies an outbound server message.
type MessageKind string

const (
	MessageUserJoined        MessageKind = "user_joined"
	MessageUserLeft          MessageKind = "user_left"
	MessageDocumentState     MessageKind = "document_state"
	MessageDocumentOperation MessageKind = "document_operation"
	MessageCursorUpdate      MessageKind = "cursor_update"
	MessagePresenceState     MessageKind = "presence_state"
	MessageDocumentSync      MessageKind = "document_sync"
	MessagePong              MessageKind = "pong"
	MessageError             MessageKind = "error"
)

// ClientEvent is the inbound event envelope. DocumentID is optional for
// kinds that address the connection's current document.
type ClientEvent struct {
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"user_id"`
	DocumentID string          `json:"document_id,omitempty"`
	SessionID  string          `json:"session_id"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// ServerMessage is the outbound envelope. Every frame carries a
// server-assigned id and timestamp.
type ServerMessage struct {
	ID         string      `json:"id"`
	Kind       MessageKind `json:"kind"`
	DocumentID string      `json:"document_id,omitempty"`
	Payload    any         `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewServerMessage stamps the envelope with an id and the current time.
func NewServerMessage(kind MessageKind, documentID string, payload any) *ServerMessage {
	return &ServerMessage{
		ID:         uuid.NewString(),
		Kind:       kind,
		DocumentID: documentID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// OperationType tags the edit operation variants.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpFormat  OperationType = "format"
	OpReplace OperationType = "replace"
)

// Operation is a single edit action. Fields are type-specific: insert uses
// Position/Text, delete uses Position/Length, format uses
// Position/Length/Attributes, replace uses Position/Length/Text.
type Operation struct {
	Type       OperationType  `json:"type"`
	Position   int            `json:"position"`
	Length     int            `json:"length,omitempty"`
	Text       string         `json:"text,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate checks the variant's required fields.
func (o *Operation) Validate() error {
	if o.Position < 0 {
		return fmt.Errorf("operation position must be non-negative, got %d", o.Position)
	}
	switch o.Type {
	case OpInsert:
		if o.Text == "" {
			return fmt.Errorf("insert operation requires text")
		}
	case OpDelete:
		if o.Length <= 0 {
			return fmt.Errorf("delete operation requires a positive length")
		}
	case OpFormat:
		if o.Length <= 0 {
			return fmt.Errorf("format operation requires a positive length")
		}
		if len(o.Attributes) == 0 {
			return fmt.Errorf("format operation requires attributes")
		}
	case OpReplace:
		if o.Length <= 0 {
			return fmt.Errorf("replace operation requires a positive length")
		}
	default:
		return fmt.Errorf("unknown operation type %q", o.Type)
	}
	return nil
}

// OperationRecord is a committed operation with its authoritative version
// numbers. VersionAfter is always VersionBefore+1.
type OperationRecord struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	Op            Operation `json:"op"`
	VersionBefore int64     `json:"version_before"`
	VersionAfter  int64     `json:"version_after"`
	Checksum      string    `json:"checksum"`
	AppliedAt     time.Time `json:"applied_at"`
}

// StateSnapshot catches a newly joined participant up to the present.
type StateSnapshot struct {
	DocumentID       string             `json:"document_id"`
	Version          int64              `json:"version"`
	LastEditedAt     *time.Time         `json:"last_edited_at,omitempty"`
	ActiveUsers      []PresenceRecord   `json:"active_users"`
	RecentOperations []*OperationRecord `json:"recent_operations"` // most-recent-first
}

// Inbound event payloads

type EditPayload struct {
	Op            Operation `json:"op"`
	ClientVersion int64     `json:"client_version"`
	Checksum      string    `json:"checksum"`
}

type CursorPayload struct {
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type PresencePayload struct {
	Status    PresenceStatus  `json:"status"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// Outbound message payloads

type UserEventPayload struct {
	User      UserInfo `json:"user"`
	SessionID string   `json:"session_id"`
}

type OperationBroadcast struct {
	Op        Operation `json:"op"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
}

type CursorBroadcast struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
