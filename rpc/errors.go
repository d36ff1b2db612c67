package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Kind classifies a failure independently of the operation that produced it.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindStorageFailure  Kind = "storage_failure"
	KindUnreachable     Kind = "unreachable"
	KindVersionMismatch Kind = "version_mismatch"
	KindInternal        Kind = "internal"
)

const (
	CodeNotFound        int64 = -32004
	CodeStorageFailure  int64 = -32010
	CodeUnreachable     int64 = -32011
	CodeVersionMismatch int64 = -32012
)

// Code returns the JSON-RPC error code carried on the wire for k.
func (k Kind) Code() int64 {
	switch k {
	case KindNotFound:
		return CodeNotFound
	case KindValidation:
		return jsonrpc2.CodeInvalidParams
	case KindStorageFailure:
		return CodeStorageFailure
	case KindUnreachable:
		return CodeUnreachable
	case KindVersionMismatch:
		return CodeVersionMismatch
	default:
		return jsonrpc2.CodeInternalError
	}
}

// KindFromCode is the fallback used when a reply carries no kind data.
func KindFromCode(code int64) Kind {
	switch code {
	case CodeNotFound:
		return KindNotFound
	case jsonrpc2.CodeInvalidParams, jsonrpc2.CodeInvalidRequest:
		return KindValidation
	case CodeStorageFailure:
		return KindStorageFailure
	case CodeUnreachable:
		return KindUnreachable
	case CodeVersionMismatch:
		return KindVersionMismatch
	default:
		return KindInternal
	}
}

// Error is a failed backend operation. errors.Is matches on Kind, so
// errors.Is(err, rpc.ErrNotFound) holds for any not_found reply.
type Error struct {
	Kind    Kind
	Method  string
	Message string
}

var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrStorageFailure  = &Error{Kind: KindStorageFailure}
	ErrUnreachable     = &Error{Kind: KindUnreachable}
	ErrVersionMismatch = &Error{Kind: KindVersionMismatch}
	ErrInternal        = &Error{Kind: KindInternal}
)

func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorData is the data member of a JSON-RPC error object.
type ErrorData struct {
	Kind Kind `json:"kind"`
}

func (e *Error) ToJSONRPC() *jsonrpc2.Error {
	je := &jsonrpc2.Error{
		Code:    e.Kind.Code(),
		Message: e.Message,
	}
	je.SetError(ErrorData{Kind: e.Kind})
	return je
}

// FromJSONRPC converts an error reply for method back into an *Error.
func FromJSONRPC(method string, je *jsonrpc2.Error) *Error {
	kind := KindFromCode(je.Code)
	if je.Data != nil {
		var data ErrorData
		if err := json.Unmarshal(*je.Data, &data); err == nil && data.Kind != "" {
			kind = data.Kind
		}
	}
	return &Error{Kind: kind, Method: method, Message: je.Message}
}
