package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the failure classification used at every call site to
// decide retryability. A single tagged kind with a context map replaces
// an error type hierarchy.
type ErrorKind string

const (
	ErrorKindProtocol   ErrorKind = "protocol"
	ErrorKindAuth       ErrorKind = "auth"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindCapacity   ErrorKind = "capacity"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindInternal   ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may be retried.
// Timeouts count against the attempt budget like any transient failure.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindTimeout
}

// Error is the single structured error type crossing component boundaries.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithContext attaches a key/value pair, copying so the original stays
// immutable for callers holding a reference.
func (e *Error) WithContext(key, value string) *Error {
	out := *e
	out.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return &out
}

// Classify maps an arbitrary error to its kind. Unclassified errors are
// internal: logged with context, surfaced opaquely, never retried.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindTransient
	}
	return ErrorKindInternal
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
