package tweak

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a tweak failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPolicyViolation
	KindPermission
	KindExecution
	KindTimeout
	KindCancelled
	KindSerialization
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindPolicyViolation:
		return "PolicyViolation"
	case KindPermission:
		return "PermissionIssue"
	case KindExecution:
		return "ExecutionError"
	case KindTimeout:
		return "TimeoutError"
	case KindCancelled:
		return "Cancelled"
	case KindSerialization:
		return "SerializationError"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is the typed failure used across tweak modules. Error() returns the
// wrapped message unchanged so the most specific text reaches the audit log.
type Error struct {
	Kind    Kind
	TweakID string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same Kind, so
// errors.Is(err, tweak.ErrTimeout) works on any wrapped *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrPolicyViolation = &Error{Kind: KindPolicyViolation}
	ErrPermission      = &Error{Kind: KindPermission}
	ErrExecution       = &Error{Kind: KindExecution}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrSerialization   = &Error{Kind: KindSerialization}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
)

func newError(kind Kind, tweakID, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, TweakID: tweakID, Op: op, Err: fmt.Errorf(format, args...)}
}

func NewValidationError(tweakID, format string, args ...any) *Error {
	return newError(KindValidation, tweakID, "validate", format, args...)
}

func NewPolicyViolation(tweakID, format string, args ...any) *Error {
	return newError(KindPolicyViolation, tweakID, "preflight", format, args...)
}

func NewPermissionIssue(tweakID, format string, args ...any) *Error {
	return newError(KindPermission, tweakID, "preflight", format, args...)
}

func NewExecutionError(tweakID, op string, err error) *Error {
	return &Error{Kind: KindExecution, TweakID: tweakID, Op: op, Err: err}
}

func NewTimeoutError(tweakID, op string, format string, args ...any) *Error {
	return newError(KindTimeout, tweakID, op, format, args...)
}

func NewSerializationError(tweakID string, err error) *Error {
	return &Error{Kind: KindSerialization, TweakID: tweakID, Op: "serialize", Err: err}
}

func NewUnsupportedError(op string, format string, args ...any) *Error {
	return newError(KindUnsupported, "", op, format, args...)
}

// FromContext converts a context error into a Timeout or Cancelled error so
// callers can tell a deadline from an operator cancellation.
func FromContext(tweakID, op string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, TweakID: tweakID, Op: op, Err: fmt.Errorf("%s timed out: %w", op, err)}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, TweakID: tweakID, Op: op, Err: fmt.Errorf("%s cancelled: %w", op, err)}
	default:
		return NewExecutionError(tweakID, op, err)
	}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
