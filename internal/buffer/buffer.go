// Package buffer implements per-thread event buffers and their manager.
package buffer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/pkg/buffer"
	"github.com/jittakal/eventpipe/pkg/event"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ buffer.Buffer  = (*Buffer)(nil)
	_ buffer.Retired = (*Buffer)(nil)
)

// State is the lifecycle state of a Buffer.
type State int32

const (
	StateFree State = iota
	StateWritable
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateWritable:
		return "writable"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Buffer is a fixed-capacity byte arena that packs encoded event instances.
//
// Write access moves only through Acquire: a buffer is Free until one
// thread acquires it, Writable while that thread owns it, and Retired once
// it has been handed to the serializer. Reset returns it to Free.
type Buffer struct {
	data   []byte
	cursor int

	state  atomic.Int32
	owner  atomic.Uint64
	origin event.ThreadID
	seq    uint64

	events         int
	firstTimestamp uint64
	lastTimestamp  uint64
	firstWriteTime time.Time
	lastWriteTime  time.Time

	// writers counts goroutines inside Write. More than one at a time is
	// an ownership violation.
	writers    atomic.Int32
	violations *atomic.Int64
}

// NewBuffer creates a free buffer with the given capacity in bytes.
func NewBuffer(capacity int) *Buffer {
	return newBuffer(capacity, new(atomic.Int64))
}

func newBuffer(capacity int, violations *atomic.Int64) *Buffer {
	return &Buffer{
		data:       make([]byte, capacity),
		violations: violations,
	}
}

// Acquire transfers a free buffer to tid.
func (b *Buffer) Acquire(tid event.ThreadID) error {
	if tid == 0 {
		return fmt.Errorf("acquire: %w: zero thread id", errors.ErrNotOwner)
	}
	if !b.state.CompareAndSwap(int32(StateFree), int32(StateWritable)) {
		return fmt.Errorf("%w: buffer is %s", errors.ErrBufferOwned, b.State())
	}
	b.owner.Store(uint64(tid))
	b.origin = tid
	return nil
}

// Write appends the encoding of e. It returns ErrBufferFull when the
// remaining capacity is too small; nothing is written in that case.
func (b *Buffer) Write(tid event.ThreadID, e *event.Instance) error {
	if b.writers.Add(1) > 1 {
		b.violations.Add(1)
	}
	defer b.writers.Add(-1)

	if State(b.state.Load()) != StateWritable || event.ThreadID(b.owner.Load()) != tid {
		return errors.ErrNotOwner
	}

	size := e.EncodedSize()
	if size > len(b.data)-b.cursor {
		return errors.ErrBufferFull
	}
	event.PutInstance(b.data[b.cursor:], e)
	b.cursor += size

	if b.events == 0 {
		b.firstTimestamp = e.Timestamp
		b.firstWriteTime = time.Now()
	}
	b.lastTimestamp = e.Timestamp
	b.events++
	return nil
}

// Retire moves a writable buffer to Retired and clears its owner.
func (b *Buffer) Retire() error {
	if !b.state.CompareAndSwap(int32(StateWritable), int32(StateRetired)) {
		return fmt.Errorf("retire: %w: buffer is %s", errors.ErrInvalidState, b.State())
	}
	b.owner.Store(0)
	b.lastWriteTime = time.Now()
	return nil
}

// Reset clears the cursor, statistics and ownership.
func (b *Buffer) Reset() {
	b.cursor = 0
	b.events = 0
	b.firstTimestamp = 0
	b.lastTimestamp = 0
	b.firstWriteTime = time.Time{}
	b.lastWriteTime = time.Time{}
	b.owner.Store(0)
	b.state.Store(int32(StateFree))
}

// discard drops the contents of a buffer without changing its state or
// owner and returns how many events were dropped.
func (b *Buffer) discard() int {
	n := b.events
	b.cursor = 0
	b.events = 0
	b.firstTimestamp = 0
	b.lastTimestamp = 0
	b.firstWriteTime = time.Time{}
	return n
}

// Each decodes every instance in write order and calls fn.
func (b *Buffer) Each(fn func(e *event.Instance) error) error {
	var inst event.Instance
	for off := 0; off < b.cursor; {
		n, err := event.DecodeInstance(b.data[off:b.cursor], &inst)
		if err != nil {
			return &errors.FormatError{Offset: int64(off), Block: "buffer", Reason: err.Error()}
		}
		if err := fn(&inst); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Stats returns current buffer statistics. It is only meaningful from the
// owning thread or after the buffer has been retired.
func (b *Buffer) Stats() event.BufferStats {
	return event.BufferStats{
		EventCount:     b.events,
		SizeBytes:      int64(b.cursor),
		Capacity:       int64(len(b.data)),
		FirstTimestamp: b.firstTimestamp,
		LastTimestamp:  b.lastTimestamp,
		FirstWriteTime: b.firstWriteTime,
		LastWriteTime:  b.lastWriteTime,
	}
}

// IsEmpty returns true if no event has been written since the last reset.
func (b *Buffer) IsEmpty() bool {
	return b.cursor == 0
}

// State returns the lifecycle state.
func (b *Buffer) State() State {
	return State(b.state.Load())
}

// Owner returns the owning thread, or zero when the buffer is not writable.
func (b *Buffer) Owner() event.ThreadID {
	return event.ThreadID(b.owner.Load())
}

// Thread returns the thread that last acquired the buffer.
func (b *Buffer) Thread() event.ThreadID {
	return b.origin
}

// Sequence returns the buffer's allocation sequence number.
func (b *Buffer) Sequence() uint64 {
	return b.seq
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int {
	return b.cursor
}

// Violations returns how many overlapping writers were observed.
func (b *Buffer) Violations() int64 {
	return b.violations.Load()
}
