package mcp

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
)

// toolError is the JSON body of an error tool result. Kind uses the same
// vocabulary as the WebSocket transport.
type toolError struct {
	Kind      rpc.Kind `json:"kind"`
	Message   string   `json:"message"`
	SessionID string   `json:"session_id,omitempty"`
}

func (e toolError) result() *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(data))
}

func invalidArgument(msg string) *mcp.CallToolResult {
	return toolError{Kind: rpc.KindValidation, Message: msg}.result()
}

// failure turns a store error into a tool result. Anything but an unknown
// session is logged and reported without detail.
func failure(sessionID string, err error) *mcp.CallToolResult {
	if errors.Is(err, session.ErrSessionNotFound) {
		return toolError{Kind: rpc.KindNotFound, Message: "session not found", SessionID: sessionID}.result()
	}

	slog.Error("mcp tool failed", "sessionId", sessionID, "error", err)
	return toolError{Kind: rpc.KindInternal, Message: "internal error"}.result()
}
