package ws

import (
	"errors"
	"io/fs"

	"github.com/mcpchat/host/archive"
	"github.com/mcpchat/host/assistant"
	"github.com/mcpchat/host/chat"
	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
)

// toRPCError classifies a service error into the wire taxonomy. Storage and
// internal failures get a generic message; the detail stays in the log.
func toRPCError(err error) *rpc.Error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, archive.ErrNoArchive),
		errors.Is(err, fs.ErrNotExist):
		return &rpc.Error{Kind: rpc.KindNotFound, Message: err.Error()}

	case errors.Is(err, session.ErrInvalidRole),
		errors.Is(err, settings.ErrInvalidConfig),
		errors.Is(err, chat.ErrInvalidCredential),
		errors.Is(err, chat.ErrEmptyContent),
		errors.Is(err, chat.ErrNotInitialized),
		errors.Is(err, archive.ErrMalformedArchive),
		errors.Is(err, archive.ErrOutsideExports),
		errors.Is(err, assistant.ErrCredentialRejected):
		return &rpc.Error{Kind: rpc.KindValidation, Message: err.Error()}

	case errors.Is(err, archive.ErrVersionMismatch):
		return &rpc.Error{Kind: rpc.KindVersionMismatch, Message: err.Error()}

	case errors.Is(err, assistant.ErrUnreachable):
		return &rpc.Error{Kind: rpc.KindUnreachable, Message: "assistant backend unreachable"}

	case errors.Is(err, session.ErrStorage):
		return &rpc.Error{Kind: rpc.KindStorageFailure, Message: "storage failure"}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &rpc.Error{Kind: rpc.KindStorageFailure, Message: "storage failure"}
	}

	return &rpc.Error{Kind: rpc.KindInternal, Message: "internal error"}
}
