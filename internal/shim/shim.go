// Package shim is the narrow runtime boundary of the tracing core.
//
// The core never asks the host for thread identity, timestamps or stacks
// directly. It goes through a Runtime value instead, so tests can inject a
// deterministic clock and thread ids.
//
//	rt := shim.Real()
//	tid := rt.Threads.Register()
//	ts := rt.Clock.Now()
//
// In tests:
//
//	rt := shim.NewFake()
//	rt.Clock.Advance(100)
package shim

import (
	"time"

	"github.com/jittakal/eventpipe/pkg/event"
)

// Clock is a monotonic tick source.
type Clock interface {
	// Now returns the current tick count.
	Now() uint64

	// Frequency returns ticks per second.
	Frequency() uint64

	// Wall returns the wall-clock time corresponding to Now.
	Wall() time.Time
}

// Threads hands out thread identities. Go has no stable goroutine ids, so
// every producer registers once and carries its ThreadID explicitly.
type Threads interface {
	// Register returns a new, never reused, non-zero ThreadID.
	Register() event.ThreadID
}

// StackWalker captures the caller's stack as program counters.
type StackWalker interface {
	// Walk appends up to max frames of the calling stack to dst,
	// skipping skip frames above the caller of Walk.
	Walk(dst []uint64, skip, max int) []uint64
}

// Runtime bundles the capabilities the tracing core consumes.
// StackWalker is optional; a nil walker disables stack capture.
type Runtime struct {
	Clock       Clock
	Threads     Threads
	StackWalker StackWalker
}
