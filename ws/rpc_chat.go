package ws

import (
	"context"

	"github.com/mcpchat/host/logger"
	"github.com/mcpchat/host/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleInitializeMcp(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.InitializeMcpParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	status, err := h.backend.Chat.Initialize(ctx, params.APIKey)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.reply(ctx, conn, req, status)
}

func (h *rpcMethodHandler) handleSendMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SendMessageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)
	log.Info("received message", "length", len(params.Content), "content", logger.Truncate(params.Content, 40))

	reply, err := h.backend.Chat.SendMessage(ctx, params.SessionID, params.Content)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.reply(ctx, conn, req, reply)
}

func (h *rpcMethodHandler) handleGetChatMessages(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	messages, err := h.backend.Sessions.Messages(ctx, params.SessionID)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.reply(ctx, conn, req, messages)
}

func (h *rpcMethodHandler) handleAddChatMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AddChatMessageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	msg, err := h.backend.Chat.AddMessage(ctx, params.SessionID, params.Role, params.Content)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.log.Debug("message added", "sessionId", params.SessionID, "messageId", msg.ID, "role", msg.Role)
	h.reply(ctx, conn, req, msg.ID)
}
