package ws

import (
	"context"

	"github.com/mcpchat/host/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleGetConfig(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.reply(ctx, conn, req, h.backend.Settings.Get())
}

func (h *rpcMethodHandler) handleSaveConfig(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SaveConfigParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.backend.Settings.Update(params.Config); err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.log.Info("config saved", "model", params.Config.Model, "theme", params.Config.Theme)
	h.reply(ctx, conn, req, struct{}{})
}

func (h *rpcMethodHandler) handleSettingsSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	id, cfg := h.settingsWatcher.Subscribe(h.state.getNotifier())
	h.state.trackSubscription(id, h.settingsWatcher)
	h.log.Debug("subscribed to settings", "watchId", id)

	h.reply(ctx, conn, req, rpc.SettingsSubscribeResult{
		ID:     id,
		Config: cfg,
	})
}
