package ws

import (
	"context"
	"strings"

	"github.com/mcpchat/host/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleCreateChatSession(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.CreateChatSessionParams
	if err := unmarshalOptionalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	sess, err := h.backend.Sessions.Create(ctx, params.Title)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.log.Info("session created", "sessionId", sess.ID)
	h.reply(ctx, conn, req, sess.ID)
}

func (h *rpcMethodHandler) handleGetChatSessions(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	sessions, err := h.backend.Sessions.List(ctx)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.reply(ctx, conn, req, sessions)
}

func (h *rpcMethodHandler) handleDeleteChatSession(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.backend.Sessions.Delete(ctx, params.SessionID); err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.log.Info("session deleted", "sessionId", params.SessionID)
	h.reply(ctx, conn, req, struct{}{})
}

func (h *rpcMethodHandler) handleUpdateChatSessionTitle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateChatSessionTitleParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if strings.TrimSpace(params.Title) == "" {
		h.replyFailure(ctx, conn, req, rpc.NewError(rpc.KindValidation, "title required"))
		return
	}

	if err := h.backend.Sessions.UpdateTitle(ctx, params.SessionID, params.Title); err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.log.Info("session title updated", "sessionId", params.SessionID, "title", params.Title)
	h.reply(ctx, conn, req, struct{}{})
}

func (h *rpcMethodHandler) handleSessionListSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	id, sessions, err := h.sessionListWatcher.Subscribe(ctx, h.state.getNotifier())
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}
	h.state.trackSubscription(id, h.sessionListWatcher)
	h.log.Debug("subscribed", "watcher", "session list", "watchId", id)

	h.reply(ctx, conn, req, rpc.SessionListSubscribeResult{
		ID:       id,
		Sessions: sessions,
	})
}
