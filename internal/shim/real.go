package shim

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/jittakal/eventpipe/pkg/event"
)

// Real returns the Runtime backed by the Go runtime: a nanosecond monotonic
// clock, an atomic thread counter and runtime.Callers for stacks.
func Real() Runtime {
	return Runtime{
		Clock:       newRealClock(),
		Threads:     &counterThreads{},
		StackWalker: callersWalker{},
	}
}

type realClock struct {
	start time.Time
}

func newRealClock() *realClock {
	return &realClock{start: time.Now()}
}

// Now returns nanoseconds since the clock was created. time.Since uses the
// monotonic reading so the result never goes backwards.
func (c *realClock) Now() uint64 {
	return uint64(time.Since(c.start))
}

func (c *realClock) Frequency() uint64 {
	return uint64(time.Second)
}

func (c *realClock) Wall() time.Time {
	return time.Now()
}

type counterThreads struct {
	next atomic.Uint64
}

func (t *counterThreads) Register() event.ThreadID {
	return event.ThreadID(t.next.Add(1))
}

type callersWalker struct{}

func (callersWalker) Walk(dst []uint64, skip, max int) []uint64 {
	if max <= 0 {
		return dst
	}
	pcs := make([]uintptr, max)
	// +2 skips runtime.Callers and Walk itself.
	n := runtime.Callers(skip+2, pcs)
	for _, pc := range pcs[:n] {
		dst = append(dst, uint64(pc))
	}
	return dst
}
