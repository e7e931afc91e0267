package opfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/fxamacker/cbor/v2"

	"tractor.dev/littlebook/env"
)

// Request is one call from a Client to the Worker. Args is a CBOR array
// whose shape depends on Method.
type Request struct {
	ID     uint64          `cbor:"id"`
	Method string          `cbor:"method"`
	Args   cbor.RawMessage `cbor:"args,omitempty"`
	// Timeout bounds how long the worker may spend on the call. Zero
	// means no bound beyond cancellation.
	Timeout time.Duration `cbor:"timeout,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result
// and Error is set.
type Response struct {
	ID     uint64          `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *WireError      `cbor:"error,omitempty"`
}

const (
	MethodProps     = "props"
	MethodRead      = "read"
	MethodWrite     = "write"
	MethodList      = "list"
	MethodStat      = "stat"
	MethodMkdir     = "mkdir"
	MethodRemove    = "rm"
	MethodUninstall = "uninstall"
	// MethodCancel abandons the call named by its argument.
	MethodCancel = "cancel"
)

type pathArgs struct {
	_    struct{} `cbor:",toarray"`
	Path string
}

type writeArgs struct {
	_    struct{} `cbor:",toarray"`
	Path string
	Data []byte
}

type mkdirArgs struct {
	_    struct{} `cbor:",toarray"`
	Path string
	Opts env.MkdirOptions
}

type removeArgs struct {
	_    struct{} `cbor:",toarray"`
	Path string
	Opts env.RemoveOptions
}

type cancelArgs struct {
	_  struct{} `cbor:",toarray"`
	ID uint64
}

// Props describes the worker's Environment.
type Props struct {
	Scheme           string            `cbor:"protocol"`
	WorkingDirectory string            `cbor:"cwd"`
	Variables        map[string]string `cbor:"env"`
	SystemDirectory  string            `cbor:"systemDirectory"`
	UserDirectory    string            `cbor:"userDirectory"`
}

// WireError carries an error across the conn with enough information to
// keep errors.Is working on the other side.
type WireError struct {
	Code    string `cbor:"code,omitempty"`
	Message string `cbor:"message"`
}

const (
	codeNotFound    = "notfound"
	codeExist       = "exist"
	codeUnsupported = "unsupported"
	codeContention  = "contention"
	codeCanceled    = "canceled"
	codeDeadline    = "deadline"
)

var (
	errContextCanceled = context.Canceled
	errDeadline        = context.DeadlineExceeded
)

func (e *WireError) Error() string {
	return e.Message
}

func (e *WireError) Unwrap() error {
	switch e.Code {
	case codeNotFound:
		return fs.ErrNotExist
	case codeExist:
		return fs.ErrExist
	case codeUnsupported:
		return env.ErrNotSupported
	case codeContention:
		return ErrContention
	case codeCanceled:
		return errContextCanceled
	case codeDeadline:
		return errDeadline
	}
	return nil
}

func toWireError(err error) *WireError {
	we := &WireError{Message: err.Error()}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		we.Code = codeNotFound
	case errors.Is(err, fs.ErrExist):
		we.Code = codeExist
	case errors.Is(err, env.ErrNotSupported):
		we.Code = codeUnsupported
	case errors.Is(err, ErrContention):
		we.Code = codeContention
	case errors.Is(err, errContextCanceled):
		we.Code = codeCanceled
	case errors.Is(err, errDeadline):
		we.Code = codeDeadline
	}
	return we
}

func marshalArgs(v any) (cbor.RawMessage, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("opfs: encode args: %w", err)
	}
	return b, nil
}
