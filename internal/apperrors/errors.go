// Package apperrors provides the error taxonomy shared by every core
// subsystem. Following Go idioms, errors are values that carry context
// about what went wrong; callers branch on Kind rather than on string
// matching or package-specific sentinel types.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way callers across subsystems need to
// branch on it: retry logic, HTTP status mapping, audit logging.
type Kind string

const (
	KindUnknown                Kind = "unknown"
	KindNotFound               Kind = "not_found"
	KindAlreadyRunning         Kind = "already_running"
	KindAlreadyQueued          Kind = "already_queued"
	KindCancelled              Kind = "cancelled"
	KindTimeout                Kind = "timeout"
	KindConnection             Kind = "connection"
	KindRateLimited            Kind = "rate_limited"
	KindAPI                    Kind = "api"
	KindInvalidResponse        Kind = "invalid_response"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindMaxIterationsExceeded  Kind = "max_iterations_exceeded"
	KindExecutionFailed        Kind = "execution_failed"
	KindInvalidMessage         Kind = "invalid_message"
	KindParse                  Kind = "parse"
	KindStorage                Kind = "storage"
)

// Sentinel errors usable with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyRunning         = errors.New("already running")
	ErrAlreadyQueued          = errors.New("already queued")
	ErrCancelled              = errors.New("cancelled")
	ErrTimeout                = errors.New("timeout")
	ErrConnection             = errors.New("connection error")
	ErrRateLimited            = errors.New("rate limited")
	ErrInvalidResponse        = errors.New("invalid response")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMaxIterationsExceeded  = errors.New("maximum iterations exceeded")
	ErrInvalidMessage         = errors.New("invalid message")
)

var kindSentinel = map[Kind]error{
	KindNotFound:               ErrNotFound,
	KindAlreadyRunning:         ErrAlreadyRunning,
	KindAlreadyQueued:          ErrAlreadyQueued,
	KindCancelled:              ErrCancelled,
	KindTimeout:                ErrTimeout,
	KindConnection:             ErrConnection,
	KindRateLimited:            ErrRateLimited,
	KindInvalidResponse:        ErrInvalidResponse,
	KindInvalidStateTransition: ErrInvalidStateTransition,
	KindMaxIterationsExceeded:  ErrMaxIterationsExceeded,
	KindInvalidMessage:         ErrInvalidMessage,
}

// Error is a structured error carrying the operation that failed, its
// Kind, and (for KindAPI) the remote status code.
type Error struct {
	Op      string // Operation that failed, e.g. "queue.Engine.Enqueue"
	Kind    Kind
	Err     error
	Message string
	Status  int // populated for KindAPI
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return kindSentinel[e.Kind]
}

// New builds a structured error for op with the given kind.
func New(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// Wrap attaches op/kind context to an existing error. Returns nil if err is nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// API builds a KindAPI error carrying the remote status code.
func API(op string, status int, message string) *Error {
	return &Error{Op: op, Kind: KindAPI, Status: status, Message: message}
}

// ExecutionFailed builds a KindExecutionFailed error with a free-form reason,
// matching spec's ExecutionFailed(reason).
func ExecutionFailed(op, reason string) *Error {
	return &Error{Op: op, Kind: KindExecutionFailed, Message: reason}
}

// KindOf extracts the Kind from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

func IsNotFound(err error) bool        { return Is(err, KindNotFound) }
func IsCancelled(err error) bool       { return Is(err, KindCancelled) }
func IsTimeout(err error) bool         { return Is(err, KindTimeout) }
func IsAlreadyRunning(err error) bool  { return Is(err, KindAlreadyRunning) }
func IsAlreadyQueued(err error) bool   { return Is(err, KindAlreadyQueued) }
func IsRateLimited(err error) bool     { return Is(err, KindRateLimited) }
func IsInvalidTransition(err error) bool {
	return Is(err, KindInvalidStateTransition)
}
