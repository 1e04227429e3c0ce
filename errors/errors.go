package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a collaboration error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrAccessDenied       ErrorCode = "ACCESS_DENIED"       // 403
	ErrReadOnly           ErrorCode = "READ_ONLY"           // 403
	ErrPermissionMismatch ErrorCode = "PERMISSION_MISMATCH" // 403
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrNotSynced          ErrorCode = "NOT_SYNCED"          // 409
	ErrSessionClosed      ErrorCode = "SESSION_CLOSED"      // 409
	ErrRetriesExhausted   ErrorCode = "RETRIES_EXHAUSTED"   // 503
	ErrInternal           ErrorCode = "INTERNAL"            // 500
)

// CollabError represents a structured error with code, status, and details.
type CollabError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *CollabError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *CollabError {
	return &CollabError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewAccessDenied creates a 403 error for connections the server refused
// or revoked.
func NewAccessDenied(room string) *CollabError {
	return &CollabError{
		Code:    ErrAccessDenied,
		Status:  403,
		Message: fmt.Sprintf("access to room %q denied", room),
		Details: map[string]any{"room": room},
	}
}

// NewReadOnly creates a 403 error for local edits under read_only permission.
func NewReadOnly(room string) *CollabError {
	return &CollabError{
		Code:    ErrReadOnly,
		Status:  403,
		Message: fmt.Sprintf("room %q is read-only for this session", room),
		Details: map[string]any{"room": room},
	}
}

// NewPermissionMismatch creates a 403 error when the server asserts a
// permission different from the one the session was configured with.
func NewPermissionMismatch(expected, asserted string) *CollabError {
	return &CollabError{
		Code:    ErrPermissionMismatch,
		Status:  403,
		Message: fmt.Sprintf("server granted %q, session expects %q", asserted, expected),
		Details: map[string]any{"expected": expected, "asserted": asserted},
	}
}

// NewNotFound creates a 404 error for unknown rooms or users.
func NewNotFound(identifier string) *CollabError {
	return &CollabError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewNotSynced creates a 409 error for local edits attempted before the
// server confirmed the session's permission.
func NewNotSynced(room string) *CollabError {
	return &CollabError{
		Code:    ErrNotSynced,
		Status:  409,
		Message: fmt.Sprintf("session for room %q has not been authorized yet", room),
		Details: map[string]any{"room": room},
	}
}

// NewSessionClosed creates a 409 error for calls on a closed session.
func NewSessionClosed(room string) *CollabError {
	return &CollabError{
		Code:    ErrSessionClosed,
		Status:  409,
		Message: fmt.Sprintf("session for room %q is closed", room),
		Details: map[string]any{"room": room},
	}
}

// NewRetriesExhausted creates a 503 error when reconnecting gave up.
func NewRetriesExhausted(room string, attempts int) *CollabError {
	return &CollabError{
		Code:    ErrRetriesExhausted,
		Status:  503,
		Message: fmt.Sprintf("gave up reconnecting to room %q after %d attempts", room, attempts),
		Details: map[string]any{"room": room, "attempts": attempts},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *CollabError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &CollabError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is, or wraps, a CollabError with the given code.
func Is(err error, code ErrorCode) bool {
	var cErr *CollabError
	if stderrors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var cErr *CollabError
	if stderrors.As(err, &cErr) {
		return cErr.Status
	}
	return 500
}
