// Package callback implements the provider callback queue.
//
// Provider enable, disable and configuration-change notifications are never
// run on the thread that caused them. They are enqueued here and delivered
// in enqueue order by a dedicated goroutine, so a callback that emits events
// or reconfigures a session cannot deadlock against its caller.
package callback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jittakal/eventpipe/internal/codec"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/pkg/event"
)

// Kind is the type of a provider notification.
type Kind uint8

const (
	KindEnable Kind = iota + 1
	KindDisable
	KindConfigChanged
)

func (k Kind) String() string {
	switch k {
	case KindEnable:
		return "enable"
	case KindDisable:
		return "disable"
	case KindConfigChanged:
		return "config_changed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FilterData is the filter a session applies to a provider. It travels in
// Entry.Payload as deterministic CBOR.
type FilterData struct {
	Session   string            `cbor:"1,keyasint"`
	Level     event.Level       `cbor:"2,keyasint"`
	Keywords  event.Keywords    `cbor:"3,keyasint"`
	Arguments map[string]string `cbor:"4,keyasint,omitempty"`
}

// EncodeFilter encodes f as an entry payload.
func EncodeFilter(f FilterData) ([]byte, error) {
	data, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter data: %w", err)
	}
	return data, nil
}

// Entry is one queued notification.
type Entry struct {
	// Sequence is assigned by Enqueue and increases by one per accepted entry.
	Sequence     uint64
	ProviderID   uint32
	ProviderName string
	Kind         Kind
	Payload      []byte
}

// Filter decodes the entry payload.
func (e *Entry) Filter() (FilterData, error) {
	var f FilterData
	if len(e.Payload) == 0 {
		return f, nil
	}
	if err := codec.Unmarshal(e.Payload, &f); err != nil {
		return f, fmt.Errorf("failed to decode filter data: %w", err)
	}
	return f, nil
}

// Handler receives delivered entries. It must not call Drain.
type Handler func(Entry)

// MetricsCollector defines the interface for recording callback metrics.
type MetricsCollector interface {
	IncCallbacksDelivered(kind string)
	IncCallbacksRejected()
}

// Stats reports queue counters.
type Stats struct {
	Enqueued  int64
	Delivered int64
	Rejected  int64
	Pending   int
}

// Queue is a FIFO of provider notifications. Enqueue is bounded by the
// queue capacity; EnqueueLifecycle is not.
type Queue struct {
	// mu makes sequence assignment and the append one step, so queue order
	// always equals sequence order.
	mu       sync.Mutex
	next     uint64
	closed   bool
	pending  []Entry
	head     int
	capacity int

	// deliverMu serializes receivers so entries are handled in order even
	// when Run and Drain race.
	deliverMu sync.Mutex

	notify chan struct{}
	done   chan struct{}

	enqueued  atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64

	logger  *slog.Logger
	metrics MetricsCollector
}

// NewQueue creates a queue whose Enqueue accepts at most capacity pending
// entries.
func NewQueue(capacity int, logger *slog.Logger, metrics MetricsCollector) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pending:  make([]Entry, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
		metrics:  metrics,
	}
}

// Enqueue appends e and returns its sequence number. It never blocks: a
// full queue rejects the entry with ErrQueueFull.
func (q *Queue) Enqueue(e Entry) (uint64, error) {
	return q.push(e, true)
}

// EnqueueLifecycle appends e regardless of capacity. Session lifecycle
// calls use it so an enable is never left without its disable; their
// entries are bounded by the number of providers, not by event volume.
func (q *Queue) EnqueueLifecycle(e Entry) (uint64, error) {
	return q.push(e, false)
}

func (q *Queue) push(e Entry, bounded bool) (uint64, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, errors.ErrQueueClosed
	}
	if bounded && len(q.pending)-q.head >= q.capacity {
		q.mu.Unlock()
		q.rejected.Add(1)
		if q.metrics != nil {
			q.metrics.IncCallbacksRejected()
		}
		return 0, errors.ErrQueueFull
	}
	q.next++
	e.Sequence = q.next
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	q.enqueued.Add(1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return e.Sequence, nil
}

func (q *Queue) pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.pending) {
		return Entry{}, false
	}
	e := q.pending[q.head]
	q.pending[q.head] = Entry{}
	q.head++
	switch {
	case q.head == len(q.pending):
		q.pending = q.pending[:0]
		q.head = 0
	case q.head > q.capacity && q.head*2 > len(q.pending):
		n := copy(q.pending, q.pending[q.head:])
		clear(q.pending[n:])
		q.pending = q.pending[:n]
		q.head = 0
	}
	return e, true
}

// Drain delivers every pending entry to handler on the calling goroutine
// and returns how many were delivered.
func (q *Queue) Drain(handler Handler) int {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	n := 0
	for {
		e, ok := q.pop()
		if !ok {
			return n
		}
		q.deliver(handler, e)
		n++
	}
}

func (q *Queue) deliver(handler Handler, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("provider callback panicked",
				"provider", e.ProviderName,
				"kind", e.Kind.String(),
				"sequence", e.Sequence,
				"panic", r)
		}
	}()

	handler(e)
	q.delivered.Add(1)
	if q.metrics != nil {
		q.metrics.IncCallbacksDelivered(e.Kind.String())
	}
}

// Run delivers entries as they arrive until ctx is cancelled or the queue
// is closed. Entries pending at close are delivered before Run returns.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			q.Drain(handler)
			return nil
		case <-q.notify:
			q.Drain(handler)
		}
	}
}

// Close stops accepting entries. Pending entries remain drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Rejected:  q.rejected.Load(),
		Pending:   q.Len(),
	}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) - q.head
}
