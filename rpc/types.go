// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// These types represent the params and result structures for all RPC methods.
package rpc

import (
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
)

// Method names. Chat commands keep their historical snake_case names.
const (
	MethodAuth                   = "auth"
	MethodInitializeMcp          = "initialize_mcp"
	MethodSendMessage            = "send_message"
	MethodCreateChatSession      = "create_chat_session"
	MethodGetChatSessions        = "get_chat_sessions"
	MethodGetChatMessages        = "get_chat_messages"
	MethodAddChatMessage         = "add_chat_message"
	MethodDeleteChatSession      = "delete_chat_session"
	MethodUpdateChatSessionTitle = "update_chat_session_title"
	MethodGetConfig              = "get_config"
	MethodSaveConfig             = "save_config_command"
	MethodExportChatHistory      = "export_chat_history"
	MethodImportChatHistory      = "import_chat_history"

	MethodSettingsSubscribe      = "settings.subscribe"
	MethodSettingsUnsubscribe    = "settings.unsubscribe"
	MethodSessionListSubscribe   = "session.list.subscribe"
	MethodSessionListUnsubscribe = "session.list.unsubscribe"
)

// Server → Client notifications
const (
	NotifySettingsChanged    = "settings.changed"
	NotifySessionListChanged = "session.list.changed"
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	Version string `json:"version"`
}

type InitializeMcpParams struct {
	APIKey string `json:"apiKey"`
}

type SendMessageParams struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

type CreateChatSessionParams struct {
	Title string `json:"title"`
}

// SessionIDParams is shared by get_chat_messages and delete_chat_session.
type SessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type AddChatMessageParams struct {
	SessionID string       `json:"sessionId"`
	Role      session.Role `json:"role"`
	Content   string       `json:"content"`
}

type UpdateChatSessionTitleParams struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type SaveConfigParams struct {
	Config settings.Config `json:"config"`
}

type ImportChatHistoryParams struct {
	Path string `json:"path,omitempty"` // empty = newest export
}

type ImportChatHistoryResult struct {
	Path     string `json:"path"`
	Sessions int    `json:"sessions"`
	Messages int    `json:"messages"`
}

// Subscriptions

type UnsubscribeParams struct {
	ID string `json:"id"`
}

type SettingsSubscribeResult struct {
	ID     string          `json:"id"`
	Config settings.Config `json:"config"`
}

type SessionListSubscribeResult struct {
	ID       string                `json:"id"`
	Sessions []session.ChatSession `json:"sessions"`
}

// Server → Client

type SettingsChangedParams struct {
	ID     string          `json:"id"`
	Config settings.Config `json:"config"`
}

type SessionListChangedParams struct {
	ID        string               `json:"id"`
	Operation string               `json:"operation"`
	Session   *session.ChatSession `json:"session,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
}
