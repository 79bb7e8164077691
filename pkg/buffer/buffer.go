// Package buffer defines interfaces for event buffering operations.
//
// Buffers are fixed-capacity arenas that pack encoded event instances
// back to back. A buffer is written by exactly one producer thread and read
// by the serializer only after it has been retired.
package buffer

import (
	"github.com/jittakal/eventpipe/pkg/event"
)

// Buffer is a single-writer arena of encoded event instances.
type Buffer interface {
	// Write appends the encoding of e.
	// Returns an error if the buffer is full or tid does not own the buffer.
	// An event is either written completely or not at all.
	Write(tid event.ThreadID, e *event.Instance) error

	// Each calls fn for every instance in write order.
	// The instance passed to fn is only valid for the duration of the call.
	Each(fn func(e *event.Instance) error) error

	// Stats returns current buffer statistics without modifying the buffer.
	Stats() event.BufferStats

	// IsEmpty returns true if the buffer contains no events.
	IsEmpty() bool

	// Reset clears the buffer and its ownership so it can be reused.
	Reset()
}

// Manager hands per-thread buffers to producers and retired buffers to
// the serializer.
type Manager interface {
	// GetOrCreate returns the thread's current writable buffer,
	// allocating one if the memory cap allows it.
	GetOrCreate(tid event.ThreadID) (Buffer, error)

	// Retire hands the thread's current buffer to the serializer.
	// It reports whether a non-empty buffer was retired.
	Retire(tid event.ThreadID) bool

	// FlushAll retires every non-empty writable buffer and returns how
	// many were retired.
	FlushAll() int
}

// Retired is the read side of a buffer as seen by consumers of retired
// buffers (the stream serializer and the archive).
type Retired interface {
	Each(fn func(e *event.Instance) error) error
	Stats() event.BufferStats
	Sequence() uint64
	Thread() event.ThreadID
}
