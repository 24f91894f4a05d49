package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// kindOf maps a gRPC status code onto the categories services branch on.
// Aborted and FailedPrecondition surface when a checkout transaction loses
// a race on a coupon or order document, so they count as conflicts.
func kindOf(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition, codes.OutOfRange:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return kindUnavailable
	default:
		return kindUnknown
	}
}

// Error implements repositories.RepositoryError for documents read or written
// through the Firestore client.
type Error struct {
	Op   string
	Code codes.Code
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// WrapError labels err with op and its repository category. Cancellation is
// returned as the bare context error so handlers can tell a client hangup from
// a backend outage. Errors that are already wrapped keep their first label.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var wrapped *Error
	if errors.As(err, &wrapped) {
		if wrapped.Op == "" {
			wrapped.Op = op
		}
		return wrapped
	}
	return &Error{Op: op, Code: code, kind: kindOf(code), err: err}
}

// IsNotFound reports whether err carries a Firestore NotFound status, wrapped or not.
func IsNotFound(err error) bool {
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}
