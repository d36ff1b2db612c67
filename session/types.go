package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRole     = errors.New("invalid role")
	// ErrStorage tags failures of the underlying database.
	ErrStorage = errors.New("storage failure")
)

// DefaultTitle is assigned when a session is created without a title.
const DefaultTitle = "New Chat"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ChatSession holds metadata for a chat session.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single immutable entry in a session's history.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Operation represents the type of change to the session list.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeEvent represents a change to the session list.
// For create/update: Session is fully populated.
// For delete: only Session.ID is valid.
type ChangeEvent struct {
	Op      Operation
	Session ChatSession
}

// OnChangeListener receives notifications when the session list changes.
type OnChangeListener interface {
	OnSessionChange(event ChangeEvent)
}
