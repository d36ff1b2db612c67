package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) handleSessionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return failure("", err), nil
	}
	return jsonResult(sessions)
}

func (s *Server) handleSessionMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return invalidArgument("session_id is required"), nil
	}

	messages, err := s.store.Messages(ctx, id)
	if err != nil {
		return failure(id, err), nil
	}
	return jsonResult(messages)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return failure("", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
