// Package mcp exposes the stored chat history to MCP clients over stdio.
// Tools are read-only.
package mcp

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mcpchat/host/session"
)

const serverName = "mcpchat"

type Server struct {
	store session.Store
	mcp   *server.MCPServer
}

func NewServer(store session.Store, version string) *Server {
	s := &Server{
		store: store,
		mcp:   server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("session_list",
			mcp.WithDescription("List chat sessions, most recently updated first."),
		),
		s.handleSessionList,
	)
	s.mcp.AddTool(
		mcp.NewTool("session_messages",
			mcp.WithDescription("Get the messages of a chat session in chronological order."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("ID of the chat session"),
			),
		),
		s.handleSessionMessages,
	)
}

// Run serves MCP on stdin/stdout until stdin closes or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// HandleMessage processes one raw JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, raw)
}
