package session

import "context"

// Store defines operations for chat session and message persistence.
type Store interface {
	// Session metadata
	List(ctx context.Context) ([]ChatSession, error)
	Get(ctx context.Context, sessionID string) (ChatSession, bool, error)
	Create(ctx context.Context, title string) (ChatSession, error)
	UpdateTitle(ctx context.Context, sessionID, title string) error
	// Delete removes a session together with its messages.
	Delete(ctx context.Context, sessionID string) error

	// Messages
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	AllMessages(ctx context.Context) ([]Message, error)
	AddMessage(ctx context.Context, sessionID string, role Role, content string) (Message, error)
	// PruneMessages keeps only the newest keep messages of a session and
	// returns how many were removed.
	PruneMessages(ctx context.Context, sessionID string, keep int) (int, error)

	// Import upserts sessions and inserts messages, preserving identifiers.
	Import(ctx context.Context, sessions []ChatSession, messages []Message) error

	SetOnChangeListener(listener OnChangeListener)
	Close() error
}
