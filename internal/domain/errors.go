package domain

import "fmt"

// ErrorKind is the compact error taxonomy of the core (§7). Component
// boundaries translate internal conditions into one of these kinds; loops
// never exit the process on a single failure, they log, emit a metric and
// continue.
type ErrorKind string

const (
	KindInvalidRequest         ErrorKind = "InvalidRequest"
	KindQueueFull              ErrorKind = "QueueFull"
	KindResourceShortage       ErrorKind = "ResourceShortage"
	KindRuleExecutionError     ErrorKind = "RuleExecutionError"
	KindStageFailure           ErrorKind = "StageFailure"
	KindExecutionFailure       ErrorKind = "ExecutionFailure"
	KindCancelled              ErrorKind = "Cancelled"
	KindTimeout                ErrorKind = "Timeout"
	KindAllocationExpired      ErrorKind = "AllocationExpired"
	KindDependencyUnsatisfied  ErrorKind = "DependencyUnsatisfied"
	KindApprovalTimeout        ErrorKind = "ApprovalTimeout"
	KindInternalError          ErrorKind = "InternalError"
)

// Error is the core's error value: a Kind plus a human-readable message and
// an optional wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an *Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap constructs an *Error of the given kind, wrapping cause.
func Wrap(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the ErrorKind of err, defaulting to KindInternalError when
// err is not (or does not wrap) a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if err == nil {
		return ""
	}
	if ok := AsError(err, &e); ok {
		return e.Kind
	}
	return KindInternalError
}

// AsError is a small errors.As shim kept local to avoid importing errors in
// callers that only need this one case.
func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
