// Package client is the front end's view of the chat host: one typed method
// per backend operation, failures reported as *rpc.Error.
package client

import (
	"context"

	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
)

// Backend is the remote call facade. Each method is a single
// request/response exchange with no retries. Failures are *rpc.Error values
// and can be matched with errors.Is against rpc.ErrNotFound, rpc.ErrValidation,
// rpc.ErrStorageFailure, rpc.ErrUnreachable and rpc.ErrVersionMismatch.
type Backend interface {
	// InitializeMcp binds the assistant to a credential and returns a status.
	InitializeMcp(ctx context.Context, apiKey string) (string, error)
	// SendMessage returns the assistant's reply. It does not store anything.
	SendMessage(ctx context.Context, sessionID, content string) (string, error)

	// CreateChatSession returns the new session's ID. An empty title gets
	// the backend's default.
	CreateChatSession(ctx context.Context, title string) (string, error)
	GetChatSessions(ctx context.Context) ([]session.ChatSession, error)
	GetChatMessages(ctx context.Context, sessionID string) ([]session.Message, error)
	// AddChatMessage returns the new message's ID.
	AddChatMessage(ctx context.Context, sessionID string, role session.Role, content string) (string, error)
	DeleteChatSession(ctx context.Context, sessionID string) error
	UpdateChatSessionTitle(ctx context.Context, sessionID, title string) error

	GetConfig(ctx context.Context) (settings.Config, error)
	SaveConfig(ctx context.Context, cfg settings.Config) error

	// ExportChatHistory returns the path of the written export.
	ExportChatHistory(ctx context.Context) (string, error)
	// ImportChatHistory imports the newest export and returns its path.
	ImportChatHistory(ctx context.Context) (string, error)
	ImportChatHistoryFrom(ctx context.Context, path string) (string, error)

	// SubscribeConfig calls fn with every config change and returns the
	// current config.
	SubscribeConfig(ctx context.Context, fn func(settings.Config)) (settings.Config, Unsubscribe, error)
	// SubscribeSessions calls fn with every session list change and returns
	// the current list.
	SubscribeSessions(ctx context.Context, fn func(SessionEvent)) ([]session.ChatSession, Unsubscribe, error)

	Close() error
}

type Unsubscribe func(ctx context.Context) error

// SessionEvent is one change to the session list. Session is nil for
// deletes; SessionID is always set.
type SessionEvent struct {
	Operation session.Operation
	Session   *session.ChatSession
	SessionID string
}
