package shim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jittakal/eventpipe/pkg/event"
)

// Fake is a deterministic Runtime for tests.
type Fake struct {
	Clock   *FakeClock
	Threads *FakeThreads
	Stacks  *FakeStacks
}

// NewFake returns a fake runtime whose clock starts at tick 1 and advances
// only when told to.
func NewFake() *Fake {
	return &Fake{
		Clock:   NewFakeClock(1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Threads: &FakeThreads{},
		Stacks:  &FakeStacks{},
	}
}

// Runtime returns the fake as a Runtime value.
func (f *Fake) Runtime() Runtime {
	return Runtime{Clock: f.Clock, Threads: f.Threads, StackWalker: f.Stacks}
}

// FakeClock is a tick source that moves only on Advance, or by Step on
// every Now call when Step is non-zero.
type FakeClock struct {
	mu    sync.Mutex
	ticks uint64
	wall  time.Time
	step  uint64
}

// NewFakeClock returns a fake clock at the given tick and wall time.
// The fake runs at one tick per nanosecond.
func NewFakeClock(ticks uint64, wall time.Time) *FakeClock {
	return &FakeClock{ticks: ticks, wall: wall}
}

func (c *FakeClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.ticks
	c.ticks += c.step
	c.wall = c.wall.Add(time.Duration(c.step))
	return now
}

func (c *FakeClock) Frequency() uint64 {
	return uint64(time.Second)
}

func (c *FakeClock) Wall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

// Advance moves the clock forward by d ticks.
func (c *FakeClock) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks += d
	c.wall = c.wall.Add(time.Duration(d))
}

// SetStep makes every Now call advance the clock by step ticks.
func (c *FakeClock) SetStep(step uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

// FakeThreads hands out sequential thread ids starting at 1.
type FakeThreads struct {
	next atomic.Uint64
}

func (t *FakeThreads) Register() event.ThreadID {
	return event.ThreadID(t.next.Add(1))
}

// Registered returns how many threads have registered.
func (t *FakeThreads) Registered() int {
	return int(t.next.Load())
}

// FakeStacks returns a fixed stack on every walk.
type FakeStacks struct {
	mu     sync.Mutex
	frames []uint64
	walks  int
}

// Set replaces the frames returned by Walk.
func (s *FakeStacks) Set(frames ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append([]uint64(nil), frames...)
}

func (s *FakeStacks) Walk(dst []uint64, skip, max int) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walks++
	frames := s.frames
	if len(frames) > max {
		frames = frames[:max]
	}
	return append(dst, frames...)
}

// Walks returns how many times Walk was called.
func (s *FakeStacks) Walks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walks
}
