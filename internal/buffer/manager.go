package buffer

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/pkg/buffer"
	"github.com/jittakal/eventpipe/pkg/event"
)

var _ buffer.Manager = (*Manager)(nil)

// Policy selects what happens when a thread needs a new buffer and the
// memory cap is exhausted.
type Policy int

const (
	// PolicyDropNewest drops the incoming event and counts it.
	PolicyDropNewest Policy = iota
	// PolicyRetireOldest reclaims the calling thread's oldest buffer that
	// has not been serialized yet, discarding its events, so newer events
	// win over older ones.
	PolicyRetireOldest
)

func (p Policy) String() string {
	switch p {
	case PolicyDropNewest:
		return "drop_newest"
	case PolicyRetireOldest:
		return "retire_oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name. "circular" is an alias for drop_newest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "drop_newest", "circular", "":
		return PolicyDropNewest, nil
	case "retire_oldest":
		return PolicyRetireOldest, nil
	default:
		return 0, fmt.Errorf("unknown allocation policy: %q", s)
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// BufferSize is the size of every buffer. It is clamped to MaxMemory.
	BufferSize int64
	// MaxMemory caps the bytes allocated across all buffers.
	MaxMemory int64
	Policy    Policy
}

// Stats is a snapshot of manager accounting.
type Stats struct {
	Allocated  int64
	Peak       int64
	Cap        int64
	BufferSize int64
	Buffers    int
	Free       int
	Retired    int
	Threads    int
	Written    int64
	Dropped    int64
	Violations int64
}

// slot holds one thread's current writable buffer. Its mutex is the only
// lock taken on the write path unless a buffer has to be replaced.
type slot struct {
	mu  sync.Mutex
	tid event.ThreadID
	buf *Buffer
	seq uint32
}

// Manager owns every buffer of one session.
//
// Producers write through per-thread slots. Allocation and retirement take
// the manager mutex, which guards the memory accounting, the free list and
// the retired FIFO. Lock order is slot before manager.
type Manager struct {
	bufferSize int64
	policy     Policy
	slots      sync.Map // event.ThreadID -> *slot

	written    atomic.Int64
	dropped    atomic.Int64
	violations atomic.Int64

	mu        sync.Mutex
	cap       int64
	allocated int64
	peak      int64
	buffers   int
	free      []*Buffer
	retired   []*Buffer
	nextSeq   uint64
	closed    bool

	ready chan struct{}
}

// NewManager creates a new buffer manager.
func NewManager(cfg ManagerConfig) *Manager {
	size := cfg.BufferSize
	if size > cfg.MaxMemory {
		size = cfg.MaxMemory
	}
	return &Manager{
		bufferSize: size,
		policy:     cfg.Policy,
		cap:        cfg.MaxMemory,
		ready:      make(chan struct{}, 1),
	}
}

func (m *Manager) slot(tid event.ThreadID) *slot {
	if v, ok := m.slots.Load(tid); ok {
		return v.(*slot)
	}
	v, _ := m.slots.LoadOrStore(tid, &slot{tid: tid})
	return v.(*slot)
}

// Write stamps e with tid and the thread's next sequence number and
// appends it to the thread's buffer, replacing a full buffer when needed.
//
// A nil return means the event is buffered. Capacity errors mean the event
// was dropped and counted. Sequence numbers advance for dropped events too,
// so readers can detect the gap.
func (m *Manager) Write(tid event.ThreadID, e *event.Instance) error {
	s := m.slot(tid)
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ThreadID = tid
	e.Sequence = s.seq
	s.seq++

	if int64(e.EncodedSize()) > m.bufferSize {
		m.dropped.Add(1)
		return errors.ErrEventTooLarge
	}

	if s.buf != nil {
		err := s.buf.Write(tid, e)
		if err == nil {
			m.written.Add(1)
			return nil
		}
		if err != errors.ErrBufferFull {
			m.dropped.Add(1)
			return err
		}
	}

	b, err := m.replaceLocked(s)
	if err != nil {
		m.dropped.Add(1)
		return err
	}
	if err := b.Write(tid, e); err != nil {
		m.dropped.Add(1)
		return err
	}
	m.written.Add(1)
	return nil
}

// GetOrCreate returns the thread's current writable buffer, allocating one
// from the free list or fresh memory if the thread has none.
func (m *Manager) GetOrCreate(tid event.ThreadID) (buffer.Buffer, error) {
	s := m.slot(tid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf != nil {
		return s.buf, nil
	}
	b, err := m.replaceLocked(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// replaceLocked retires the slot's current buffer, if any, and installs a
// new one. The caller holds s.mu.
func (m *Manager) replaceLocked(s *slot) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.ErrManagerClosed
	}

	if old := s.buf; old != nil {
		s.buf = nil
		if old.IsEmpty() {
			m.releaseLocked(old)
		} else {
			m.retireLocked(old)
		}
	}

	b := m.allocLocked()
	if b == nil && m.policy == PolicyRetireOldest {
		b = m.reclaimLocked(s.tid)
	}
	if b == nil {
		return nil, errors.ErrAllocationFailed
	}

	b.seq = m.nextSeq
	m.nextSeq++
	if err := b.Acquire(s.tid); err != nil {
		m.releaseLocked(b)
		return nil, err
	}
	s.buf = b
	return b, nil
}

// allocLocked takes a buffer from the free list or allocates a new one if
// the cap allows it. It returns nil when the cap is exhausted.
func (m *Manager) allocLocked() *Buffer {
	if n := len(m.free); n > 0 {
		b := m.free[n-1]
		m.free[n-1] = nil
		m.free = m.free[:n-1]
		return b
	}
	if m.allocated+m.bufferSize > m.cap {
		return nil
	}
	m.allocated += m.bufferSize
	m.buffers++
	if m.allocated > m.peak {
		m.peak = m.allocated
	}
	return newBuffer(int(m.bufferSize), &m.violations)
}

// reclaimLocked takes the oldest retired buffer of tid that the serializer
// has not picked up yet and discards its events.
func (m *Manager) reclaimLocked(tid event.ThreadID) *Buffer {
	for i, b := range m.retired {
		if b.origin != tid {
			continue
		}
		m.retired = append(m.retired[:i], m.retired[i+1:]...)
		m.dropped.Add(int64(b.discard()))
		b.Reset()
		return b
	}
	return nil
}

func (m *Manager) retireLocked(b *Buffer) {
	if err := b.Retire(); err != nil {
		return
	}
	m.retired = append(m.retired, b)
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// releaseLocked resets b and keeps it for reuse, or frees it when the
// manager is closed or over its cap.
func (m *Manager) releaseLocked(b *Buffer) {
	b.Reset()
	if m.closed || m.allocated > m.cap {
		m.freeLocked(b)
		return
	}
	m.free = append(m.free, b)
}

func (m *Manager) freeLocked(b *Buffer) {
	m.allocated -= int64(b.Cap())
	m.buffers--
}

// Retire hands the thread's current buffer to the serializer and clears
// the slot so the next write allocates. An empty buffer goes back to the
// free list instead. Retire reports whether a buffer was retired.
func (m *Manager) Retire(tid event.ThreadID) bool {
	v, ok := m.slots.Load(tid)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.retireSlotLocked(s)
}

func (m *Manager) retireSlotLocked(s *slot) bool {
	b := s.buf
	if b == nil {
		return false
	}
	s.buf = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if b.IsEmpty() {
		m.releaseLocked(b)
		return false
	}
	m.retireLocked(b)
	return true
}

// ReleaseThread retires the thread's buffer and forgets its slot. The
// thread must not write again.
func (m *Manager) ReleaseThread(tid event.ThreadID) bool {
	v, ok := m.slots.Load(tid)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	retired := m.retireSlotLocked(s)
	m.slots.Delete(tid)
	return retired
}

// FlushAll retires every non-empty writable buffer and returns how many
// were retired. Each slot is retired under its own lock, so a racing write
// either lands in the retired buffer or in a freshly allocated one.
func (m *Manager) FlushAll() int {
	retired := 0
	m.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if m.retireSlotLocked(s) {
			retired++
		}
		s.mu.Unlock()
		return true
	})
	return retired
}

// Ready is signalled whenever a buffer is retired.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// TakeRetired returns retired buffers in retirement order. The caller must
// hand each one back with Release.
func (m *Manager) TakeRetired() []*Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.retired
	m.retired = nil
	return out
}

// Release returns a serialized buffer to the free list, or frees its
// memory when the cap has shrunk below the current allocation.
func (m *Manager) Release(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(b)
}

// SetCap changes the memory cap. Free buffers beyond the new cap are
// freed immediately; buffers in use are freed as they are released.
func (m *Manager) SetCap(maxMemory int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cap = maxMemory
	for m.allocated > m.cap && len(m.free) > 0 {
		n := len(m.free)
		b := m.free[n-1]
		m.free[n-1] = nil
		m.free = m.free[:n-1]
		m.freeLocked(b)
	}
}

// Close frees every buffer. Events still buffered are counted as dropped.
// Allocation fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if b := s.buf; b != nil {
			s.buf = nil
			m.mu.Lock()
			m.dropped.Add(int64(b.events))
			m.freeLocked(b)
			m.mu.Unlock()
		}
		s.mu.Unlock()
		m.slots.Delete(k)
		return true
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.retired {
		m.dropped.Add(int64(b.events))
		m.freeLocked(b)
	}
	m.retired = nil
	for _, b := range m.free {
		m.freeLocked(b)
	}
	m.free = nil
}

// Dropped returns the number of events dropped so far.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// BufferSize returns the effective size of every buffer.
func (m *Manager) BufferSize() int64 {
	return m.bufferSize
}

// Policy returns the allocation policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Stats returns a snapshot of the manager's accounting.
func (m *Manager) Stats() Stats {
	threads := 0
	m.slots.Range(func(_, _ any) bool {
		threads++
		return true
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Allocated:  m.allocated,
		Peak:       m.peak,
		Cap:        m.cap,
		BufferSize: m.bufferSize,
		Buffers:    m.buffers,
		Free:       len(m.free),
		Retired:    len(m.retired),
		Threads:    threads,
		Written:    m.written.Load(),
		Dropped:    m.dropped.Load(),
		Violations: m.violations.Load(),
	}
}

// Allocated returns the bytes currently allocated.
func (m *Manager) Allocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}
