package ws

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/mcpchat/host/archive"
	"github.com/mcpchat/host/assistant"
	"github.com/mcpchat/host/chat"
	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
)

func TestToRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want rpc.Kind
	}{
		{"session not found", fmt.Errorf("get: %w", session.ErrSessionNotFound), rpc.KindNotFound},
		{"no archive", archive.ErrNoArchive, rpc.KindNotFound},
		{"missing file", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, rpc.KindNotFound},
		{"invalid role", session.ErrInvalidRole, rpc.KindValidation},
		{"invalid config", settings.ErrInvalidConfig, rpc.KindValidation},
		{"invalid credential", chat.ErrInvalidCredential, rpc.KindValidation},
		{"not initialized", chat.ErrNotInitialized, rpc.KindValidation},
		{"malformed archive", archive.ErrMalformedArchive, rpc.KindValidation},
		{"import outside exports", archive.ErrOutsideExports, rpc.KindValidation},
		{"credential rejected", assistant.ErrCredentialRejected, rpc.KindValidation},
		{"version mismatch", archive.ErrVersionMismatch, rpc.KindVersionMismatch},
		{"assistant unreachable", assistant.ErrUnreachable, rpc.KindUnreachable},
		{"storage", fmt.Errorf("x: %w", session.ErrStorage), rpc.KindStorageFailure},
		{"file permission", &fs.PathError{Op: "open", Path: "x", Err: os.ErrPermission}, rpc.KindStorageFailure},
		{"passthrough", rpc.NewError(rpc.KindValidation, "title required"), rpc.KindValidation},
		{"unknown", errors.New("boom"), rpc.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toRPCError(tt.err).Kind; got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestToRPCError_HidesInternalDetail(t *testing.T) {
	got := toRPCError(errors.New("disk path /secret"))
	if got.Message != "internal error" {
		t.Errorf("message = %q", got.Message)
	}
}
