// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// Capacity errors. These never escape WriteEvent; they are counted.
	ErrBufferFull       = errors.New("buffer is full")
	ErrAllocationFailed = errors.New("buffer allocation failed: memory cap exhausted")
	ErrEventTooLarge    = errors.New("event is larger than a buffer")
	ErrQueueFull        = errors.New("provider callback queue is full")

	// State errors.
	ErrInvalidState      = errors.New("operation invalid for session state")
	ErrSessionNotEnabled = errors.New("session is not enabled")
	ErrSessionNotFound   = errors.New("session not found")
	ErrBufferOwned       = errors.New("buffer is already owned")
	ErrNotOwner          = errors.New("buffer is not owned by the writing thread")
	ErrManagerClosed     = errors.New("buffer manager is closed")
	ErrQueueClosed       = errors.New("provider callback queue is closed")

	// Serialization and I/O errors.
	ErrWriterClosed   = errors.New("stream writer is closed")
	ErrSinkClosed     = errors.New("sink is closed")
	ErrSessionFaulty  = errors.New("session is faulted")
	ErrBadMagic       = errors.New("not an event stream")
	ErrConnectionLost = errors.New("connection lost")
)

// ValidationError represents an invalid session configuration value.
type ValidationError struct {
	Session string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: session=%s field=%s: %s",
		e.Session, e.Field, e.Reason)
}

// StateError reports an operation attempted in the wrong session state.
type StateError struct {
	Session   string
	Operation string
	State     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error: session=%s operation=%s state=%s",
		e.Session, e.Operation, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// SinkError represents a stream sink operation failure.
type SinkError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink error: backend=%s operation=%s: %v",
		e.Backend, e.Operation, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if a SinkError is retryable based on the operation type.
func (e *SinkError) IsRetryable() bool {
	// Uploads and produce calls can be retried; a failed close cannot.
	return e.Operation == "write" || e.Operation == "upload" || e.Operation == "produce"
}

// FormatError represents malformed stream or buffer content.
type FormatError struct {
	Offset int64
	Block  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error: offset=%d block=%s: %s",
		e.Offset, e.Block, e.Reason)
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface,
// then falls back to checking sentinel errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return errors.Is(err, ErrConnectionLost)
}

// IsCapacity reports whether err is a capacity error: the event was dropped
// but the pipeline is otherwise healthy.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrAllocationFailed) ||
		errors.Is(err, ErrEventTooLarge) ||
		errors.Is(err, ErrQueueFull)
}
