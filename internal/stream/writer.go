package stream

import (
	"bufio"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/jittakal/eventpipe/internal/codec"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/internal/shim"
	"github.com/jittakal/eventpipe/pkg/buffer"
	"github.com/jittakal/eventpipe/pkg/event"
	"github.com/jittakal/eventpipe/pkg/sink"
)

// Resolver maps the definition key of a buffered instance to its full
// definition, including provider and event names.
type Resolver interface {
	Resolve(key event.DefinitionKey) (*event.Definition, bool)
}

// MetricsCollector defines the interface for recording serializer metrics.
type MetricsCollector interface {
	AddStreamBytes(session string, n int64)
	AddEventsSerialized(session string, n int)
	IncSequencePoints(session string)
	IncSinkErrors(session, backend string)
}

// Options configures a Writer.
type Options struct {
	// Name labels logs and metrics.
	Name string
	// Backend names the sink in errors.
	Backend  string
	Clock    shim.Clock
	Resolver Resolver
	Metadata Metadata

	SequencePoints PolicyConfig

	// WriteBufferSize is the size of the write buffer in front of the sink.
	WriteBufferSize int
}

// Stats reports writer counters.
type Stats struct {
	Events         uint64
	Blocks         uint64
	Bytes          int64
	SequencePoints uint64
	Definitions    int
	Faulted        bool
}

// hashWriter hashes exactly the bytes the sink accepted.
type hashWriter struct {
	w sink.Sink
	h *blake3.Hasher
	n int64
}

func (hw *hashWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	return n, err
}

// Writer serializes retired buffers into a forward-only stream.
//
// A Writer has a single logical owner, the session serializer, but Flush
// and Close may be called from other goroutines; the write mutex orders
// them. After the first sink error the writer is faulted: later writes are
// skipped and Close records an incomplete trailer.
type Writer struct {
	mu sync.Mutex

	sink   sink.Sink
	hw     *hashWriter
	bw     *bufio.Writer
	opts   Options
	policy *CompositePolicy

	defs    map[event.DefinitionKey]uint32
	nextDef uint32
	threads map[event.ThreadID]*ThreadMark

	since     Progress
	lastPoint uint64

	events    uint64
	blocks    uint64
	bytes     int64
	seqPoints uint64

	started bool
	closed  bool
	err     error

	scratch []byte
	nested  []byte

	logger  *slog.Logger
	metrics MetricsCollector
}

// NewWriter creates a writer over s. Nothing is written until WriteHeader.
func NewWriter(s sink.Sink, opts Options, logger *slog.Logger, metrics MetricsCollector) *Writer {
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 64 * 1024
	}
	if opts.Backend == "" {
		if named, ok := s.(sink.Named); ok {
			opts.Backend = named.Backend()
		} else {
			opts.Backend = "custom"
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	hw := &hashWriter{w: s, h: blake3.New()}
	return &Writer{
		sink:    s,
		hw:      hw,
		bw:      bufio.NewWriterSize(hw, opts.WriteBufferSize),
		opts:    opts,
		policy:  NewPolicy(opts.SequencePoints),
		defs:    make(map[event.DefinitionKey]uint32),
		threads: make(map[event.ThreadID]*ThreadMark),
		scratch: make([]byte, 0, 1024),
		logger:  logger,
		metrics: metrics,
	}
}

// WriteHeader writes the magic, version and session metadata.
func (w *Writer) WriteHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}
	if w.started {
		return nil
	}

	meta, err := codec.Marshal(w.opts.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode stream metadata: %w", err)
	}

	now := w.opts.Clock.Now()
	b := append(w.scratch[:0], Magic...)
	b = le.AppendUint16(b, MajorVersion)
	b = le.AppendUint16(b, MinorVersion)
	b = le.AppendUint64(b, w.opts.Clock.Frequency())
	b = le.AppendUint64(b, now)
	b = le.AppendUint64(b, uint64(w.opts.Clock.Wall().UnixNano()))
	b = le.AppendUint32(b, uint32(len(meta)))
	b = append(b, meta...)
	w.scratch = b

	w.started = true
	w.lastPoint = now
	if err := w.writeRaw(b); err != nil {
		return err
	}

	w.logger.Debug("stream header written",
		"session", w.opts.Name,
		"session_id", w.opts.Metadata.SessionID,
		"bytes", len(b))
	return nil
}

func (w *Writer) checkLocked() error {
	if w.closed {
		return errors.ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if !w.started {
		return fmt.Errorf("%w: header not written", errors.ErrInvalidState)
	}
	return nil
}

func (w *Writer) writeRaw(b []byte) error {
	if w.err != nil {
		return w.err
	}
	n, err := w.bw.Write(b)
	w.bytes += int64(n)
	w.since.Bytes += int64(n)
	if err != nil {
		w.faultLocked("write", err)
		return w.err
	}
	return nil
}

func (w *Writer) writeBlock(kind BlockKind, body []byte) error {
	var frame [frameSize]byte
	frame[0] = byte(kind)
	le.PutUint32(frame[1:], uint32(len(body)))
	if err := w.writeRaw(frame[:]); err != nil {
		return err
	}
	if err := w.writeRaw(body); err != nil {
		return err
	}
	w.blocks++
	return nil
}

func (w *Writer) faultLocked(op string, err error) {
	if w.err != nil {
		return
	}
	w.err = &errors.SinkError{Backend: w.opts.Backend, Operation: op, Err: err}
	w.logger.Error("stream sink failed",
		"session", w.opts.Name,
		"backend", w.opts.Backend,
		"operation", op,
		"error", err)
	if w.metrics != nil {
		w.metrics.IncSinkErrors(w.opts.Name, w.opts.Backend)
	}
}

// WriteBuffer serializes every event of a retired buffer in write order.
// Definitions are announced with a metadata block the first time they are
// referenced. A sequence point follows when the policy asks for one.
func (w *Writer) WriteBuffer(b buffer.Retired) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkLocked(); err != nil {
		return err
	}

	before := w.bytes
	n := 0
	err := b.Each(func(e *event.Instance) error {
		id, err := w.defineLocked(e)
		if err != nil {
			return err
		}
		w.scratch = appendEvent(w.scratch[:0], id, e)
		if err := w.writeBlock(BlockEvent, w.scratch); err != nil {
			return err
		}
		w.markLocked(e)
		n++
		return nil
	})

	w.events += uint64(n)
	w.since.Events += n
	if w.metrics != nil {
		w.metrics.AddEventsSerialized(w.opts.Name, n)
		w.metrics.AddStreamBytes(w.opts.Name, w.bytes-before)
	}
	if err != nil {
		return err
	}

	if w.policy.ShouldEmit(w.progressLocked()) {
		return w.sequencePointLocked()
	}
	return nil
}

func (w *Writer) defineLocked(e *event.Instance) (uint32, error) {
	key := e.Key()
	if id, ok := w.defs[key]; ok {
		return id, nil
	}

	def := w.resolve(key, e)
	w.nextDef++
	id := w.nextDef
	w.scratch = appendDefinition(w.scratch[:0], id, def)
	if err := w.writeBlock(BlockMetadata, w.scratch); err != nil {
		return 0, err
	}
	w.defs[key] = id
	return id, nil
}

func (w *Writer) resolve(key event.DefinitionKey, e *event.Instance) *event.Definition {
	if w.opts.Resolver != nil {
		if def, ok := w.opts.Resolver.Resolve(key); ok {
			return def
		}
	}
	return &event.Definition{
		ProviderID: e.ProviderID,
		EventID:    e.EventID,
		Version:    e.Version,
		Level:      e.Level,
		Keywords:   e.Keywords,
	}
}

func (w *Writer) markLocked(e *event.Instance) {
	m, ok := w.threads[e.ThreadID]
	if !ok {
		m = &ThreadMark{Thread: e.ThreadID}
		w.threads[e.ThreadID] = m
	}
	if e.Timestamp > m.LastTimestamp {
		m.LastTimestamp = e.Timestamp
	}
	m.LastSequence = e.Sequence
}

func (w *Writer) progressLocked() Progress {
	p := w.since
	now := w.opts.Clock.Now()
	if now > w.lastPoint {
		p.Elapsed = ticksToDuration(now-w.lastPoint, w.opts.Clock.Frequency())
	}
	return p
}

func ticksToDuration(ticks, frequency uint64) time.Duration {
	if frequency == 0 {
		return 0
	}
	return time.Duration(float64(ticks) / float64(frequency) * float64(time.Second))
}

// WriteSequencePoint records the latest serialized timestamp of every
// thread seen so far.
func (w *Writer) WriteSequencePoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkLocked(); err != nil {
		return err
	}
	return w.sequencePointLocked()
}

func (w *Writer) sequencePointLocked() error {
	sp := SequencePoint{
		Timestamp: w.opts.Clock.Now(),
		Threads:   make([]ThreadMark, 0, len(w.threads)),
	}
	for _, m := range w.threads {
		sp.Threads = append(sp.Threads, *m)
	}
	sort.Slice(sp.Threads, func(i, j int) bool { return sp.Threads[i].Thread < sp.Threads[j].Thread })

	w.scratch = appendSequencePoint(w.scratch[:0], &sp)
	if err := w.writeBlock(BlockSequencePoint, w.scratch); err != nil {
		return err
	}

	w.seqPoints++
	w.since = Progress{}
	w.lastPoint = sp.Timestamp
	if w.metrics != nil {
		w.metrics.IncSequencePoints(w.opts.Name)
	}
	return nil
}

// WriteRundown writes one block listing defs so readers can resolve every
// definition without having seen its first use.
func (w *Writer) WriteRundown(defs []*event.Definition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkLocked(); err != nil {
		return err
	}

	b := le.AppendUint32(w.scratch[:0], uint32(len(defs)))
	for _, d := range defs {
		key := d.Key()
		id, ok := w.defs[key]
		if !ok {
			w.nextDef++
			id = w.nextDef
			w.defs[key] = id
		}
		w.nested = appendDefinition(w.nested[:0], id, d)
		b = le.AppendUint32(b, uint32(len(w.nested)))
		b = append(b, w.nested...)
	}
	w.scratch = b
	return w.writeBlock(BlockRundown, b)
}

// Flush writes a sequence point if events were serialized since the last
// one, then pushes every buffered byte to the sink.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkLocked(); err != nil {
		return err
	}
	if w.since.Events > 0 {
		if err := w.sequencePointLocked(); err != nil {
			return err
		}
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.bw.Flush(); err != nil {
		w.faultLocked("write", err)
		return w.err
	}
	if f, ok := w.sink.(sink.Flusher); ok {
		if err := f.Flush(); err != nil {
			w.faultLocked("flush", err)
			return w.err
		}
	}
	return nil
}

// Close finishes the stream: a final sequence point, the trailer and the
// sink close. The trailer is written even after a sink error, marked
// incomplete, on a best-effort basis. The first I/O error is returned.
func (w *Writer) Close(dropped uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}
	w.closed = true

	if w.started {
		if w.err == nil && w.since.Events > 0 {
			_ = w.sequencePointLocked()
		}
		if w.err == nil {
			_ = w.flushLocked()
		}
		w.writeTrailerLocked(dropped)
	}

	if err := w.sink.Close(); err != nil {
		w.faultLocked("close", err)
	}

	status := StatusClean
	if w.err != nil {
		status = StatusIncomplete
	}
	w.logger.Info("stream closed",
		"session", w.opts.Name,
		"status", status.String(),
		"events", w.events,
		"dropped", dropped,
		"blocks", w.blocks,
		"bytes", w.hw.n)
	return w.err
}

func (w *Writer) writeTrailerLocked(dropped uint64) {
	t := Trailer{
		Status:  StatusClean,
		Events:  w.events,
		Dropped: dropped,
		Blocks:  w.blocks,
	}
	if w.err != nil {
		t.Status = StatusIncomplete
		// Discard whatever the failed sink did not take.
		w.bw.Reset(w.hw)
	}
	copy(t.Digest[:], w.hw.h.Sum(nil))

	b := append(w.scratch[:0], byte(BlockTrailer))
	b = le.AppendUint32(b, trailerBodySize)
	b = appendTrailer(b, &t)
	w.scratch = b

	if _, err := w.hw.Write(b); err != nil {
		w.faultLocked("write", err)
		return
	}
	if f, ok := w.sink.(sink.Flusher); ok {
		if err := f.Flush(); err != nil {
			w.faultLocked("flush", err)
		}
	}
}

// Err returns the sink error that faulted the writer, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stats returns the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Events:         w.events,
		Blocks:         w.blocks,
		Bytes:          w.hw.n,
		SequencePoints: w.seqPoints,
		Definitions:    len(w.defs),
		Faulted:        w.err != nil,
	}
}
