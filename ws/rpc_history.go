package ws

import (
	"context"

	"github.com/mcpchat/host/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleExportChatHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	path, err := h.backend.Archive.Export(ctx)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.reply(ctx, conn, req, path)
}

func (h *rpcMethodHandler) handleImportChatHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ImportChatHistoryParams
	if err := unmarshalOptionalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	res, err := h.backend.Archive.Import(ctx, params.Path)
	if err != nil {
		h.replyFailure(ctx, conn, req, err)
		return
	}

	h.reply(ctx, conn, req, rpc.ImportChatHistoryResult{
		Path:     res.Path,
		Sessions: res.Sessions,
		Messages: res.Messages,
	})
}
