package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for expected conditions - use with errors.Is()
var (
	// ErrOperationInFlight indicates another lifecycle operation holds the
	// coordinator lock. Callers surface this; operations are never queued.
	ErrOperationInFlight = errors.New("another operation is in flight")

	// ErrStreamActive indicates a message was rejected because an answer
	// stream is already connecting, streaming, or reconnecting.
	ErrStreamActive = errors.New("a stream is already active")

	// ErrUndoExpired indicates the undo window has elapsed.
	ErrUndoExpired = errors.New("undo window has expired")

	// ErrUndoUnavailable indicates there is no snapshot to restore.
	ErrUndoUnavailable = errors.New("nothing to undo")

	// ErrStreamAborted indicates the stream was cancelled by an explicit abort.
	ErrStreamAborted = errors.New("stream aborted")

	// ErrTruncatedStream indicates the connection ended mid-frame. A partial
	// final chunk is a transport failure, never silently dropped.
	ErrTruncatedStream = errors.New("stream truncated mid-frame")

	// ErrConnectionLost indicates the transport closed with no terminal event.
	// This is the recoverable condition that drives reconnection.
	ErrConnectionLost = errors.New("connection lost before stream completed")

	// ErrNotFound indicates the backend reported a missing resource.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the backend rejected the bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
)

// APIError is a backend failure decoded from an RFC 7807 problem response.
// It maps onto the sentinel errors above so callers can use errors.Is()
// without inspecting status codes.
type APIError struct {
	Status int    // HTTP status code
	Title  string // Short human-readable summary
	Detail string // Optional explanation specific to this occurrence
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend error (%d %s): %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("backend error (%d %s)", e.Status, e.Title)
}

// Is allows errors.Is() to match APIErrors against sentinel errors by status
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
	}
	return false
}
