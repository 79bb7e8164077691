package stream

import (
	"bytes"
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/jittakal/eventpipe/internal/buffer"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/internal/shim"
	"github.com/jittakal/eventpipe/pkg/event"
)

// memSink records accepted bytes. failOn makes the n-th Write call (1-based)
// fail without accepting anything.
type memSink struct {
	buf      bytes.Buffer
	writes   int
	failOn   int
	closed   bool
	closeErr error
}

func (s *memSink) Write(p []byte) (int, error) {
	s.writes++
	if s.writes == s.failOn {
		return 0, stderrors.New("disk on fire")
	}
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.closed = true
	return s.closeErr
}

func (s *memSink) Backend() string { return "memory" }

type mapResolver map[event.DefinitionKey]*event.Definition

func (m mapResolver) Resolve(key event.DefinitionKey) (*event.Definition, bool) {
	d, ok := m[key]
	return d, ok
}

type mockMetrics struct {
	bytes      int64
	events     int
	seqPoints  int
	sinkErrors int
}

func (m *mockMetrics) AddStreamBytes(string, int64)        {}
func (m *mockMetrics) AddEventsSerialized(_ string, n int) { m.events += n }
func (m *mockMetrics) IncSequencePoints(string)            { m.seqPoints++ }
func (m *mockMetrics) IncSinkErrors(string, string)        { m.sinkErrors++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	gcStart = &event.Definition{ProviderID: 1, ProviderName: "Runtime.GC", EventID: 1, Name: "GCStart", Level: event.LevelInformational, Keywords: 0x1}
	thrown  = &event.Definition{ProviderID: 2, ProviderName: "Runtime.Exception", EventID: 80, Version: 1, Name: "ExceptionThrown", Level: event.LevelError, Keywords: 0x8000}
)

func resolver() mapResolver {
	return mapResolver{gcStart.Key(): gcStart, thrown.Key(): thrown}
}

func instanceOf(def *event.Definition, ts uint64, payload string) *event.Instance {
	return &event.Instance{
		Timestamp:  ts,
		ProviderID: def.ProviderID,
		EventID:    def.EventID,
		Version:    def.Version,
		Level:      def.Level,
		Keywords:   def.Keywords,
		Payload:    []byte(payload),
	}
}

func retiredBuffer(t *testing.T, tid event.ThreadID, insts ...*event.Instance) *buffer.Buffer {
	t.Helper()
	b := buffer.NewBuffer(64 * 1024)
	if err := b.Acquire(tid); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	for i, e := range insts {
		e.ThreadID = tid
		e.Sequence = uint32(i)
		if err := b.Write(tid, e); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := b.Retire(); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	return b
}

func newTestWriter(s *memSink, metrics MetricsCollector, policy PolicyConfig) (*Writer, *shim.FakeClock) {
	clock := shim.NewFakeClock(1000, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := NewWriter(s, Options{
		Name:     "test",
		Clock:    clock,
		Resolver: resolver(),
		Metadata: Metadata{
			SessionID:   uuid.NewString(),
			SessionName: "test",
			ProcessID:   42,
			PointerSize: 8,
			Attributes:  map[string]string{"host": "unit"},
		},
		SequencePoints: policy,
	}, testLogger(), metrics)
	return w, clock
}

type tuple struct {
	Timestamp uint64
	Thread    event.ThreadID
	Provider  uint32
	Event     uint32
	Payload   string
}

func tuplesOf(events []Event) []tuple {
	out := make([]tuple, len(events))
	for i, e := range events {
		out[i] = tuple{e.Instance.Timestamp, e.Instance.ThreadID, e.Instance.ProviderID, e.Instance.EventID, string(e.Instance.Payload)}
	}
	return out
}

func TestWriter_RoundTrip(t *testing.T) {
	sink := &memSink{}
	metrics := &mockMetrics{}
	w, clock := newTestWriter(sink, metrics, PolicyConfig{})

	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}

	withStack := instanceOf(thrown, 1200, "boom")
	withStack.Stack = []uint64{0x401000, 0x401abc}
	first := retiredBuffer(t, 7,
		instanceOf(gcStart, 1100, "gen0"),
		withStack,
		instanceOf(gcStart, 1300, "gen1"),
	)
	second := retiredBuffer(t, 3, instanceOf(gcStart, 1050, "other thread"))

	clock.Advance(500)
	for _, b := range []*buffer.Buffer{first, second} {
		if err := w.WriteBuffer(b); err != nil {
			t.Fatalf("WriteBuffer() error = %v", err)
		}
	}
	if err := w.Close(3); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !sink.closed {
		t.Error("Close() should close the sink")
	}

	s, err := Decode(sink.buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	want := []tuple{
		{1100, 7, 1, 1, "gen0"},
		{1200, 7, 2, 80, "boom"},
		{1300, 7, 1, 1, "gen1"},
		{1050, 3, 1, 1, "other thread"},
	}
	if diff := cmp.Diff(want, tuplesOf(s.Events)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x401000, 0x401abc}, s.Events[1].Instance.Stack); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(thrown, s.Events[1].Definition); diff != "" {
		t.Errorf("definition mismatch (-want +got):\n%s", diff)
	}
	if len(s.Definitions) != 2 {
		t.Errorf("decoded %d definitions, want 2", len(s.Definitions))
	}

	h := s.Header
	if h.Major != MajorVersion || h.ClockFrequency != uint64(time.Second) || h.StartTimestamp != 1000 {
		t.Errorf("header = %+v", h)
	}
	if !h.StartTime.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartTime = %v", h.StartTime)
	}
	if h.Metadata.ProcessID != 42 || h.Metadata.Attributes["host"] != "unit" {
		t.Errorf("metadata = %+v", h.Metadata)
	}
	if _, err := uuid.Parse(h.Metadata.SessionID); err != nil {
		t.Errorf("session id %q is not a uuid: %v", h.Metadata.SessionID, err)
	}

	if s.Trailer.Status != StatusClean || s.Trailer.Events != 4 || s.Trailer.Dropped != 3 {
		t.Errorf("trailer = %+v", s.Trailer)
	}
	if len(s.SequencePoints) != 1 {
		t.Fatalf("got %d sequence points, want 1 before the trailer", len(s.SequencePoints))
	}
	marks := s.SequencePoints[0].Threads
	wantMarks := []ThreadMark{
		{Thread: 3, LastTimestamp: 1050, LastSequence: 0},
		{Thread: 7, LastTimestamp: 1300, LastSequence: 2},
	}
	if diff := cmp.Diff(wantMarks, marks); diff != "" {
		t.Errorf("sequence point mismatch (-want +got):\n%s", diff)
	}

	tail, err := ReadTrailer(sink.buf.Bytes())
	if err != nil {
		t.Fatalf("ReadTrailer() error = %v", err)
	}
	if diff := cmp.Diff(s.Trailer, *tail); diff != "" {
		t.Errorf("ReadTrailer() mismatch (-want +got):\n%s", diff)
	}

	if metrics.events != 4 || metrics.seqPoints != 1 {
		t.Errorf("metrics events = %d, sequence points = %d", metrics.events, metrics.seqPoints)
	}
	if stats := w.Stats(); stats.Bytes != int64(sink.buf.Len()) || stats.Faulted {
		t.Errorf("Stats() = %+v, sink holds %d bytes", stats, sink.buf.Len())
	}
}

func TestWriter_OneEventThenClose(t *testing.T) {
	sink := &memSink{}
	w, _ := newTestWriter(sink, nil, PolicyConfig{})

	_ = w.WriteHeader()
	if err := w.WriteBuffer(retiredBuffer(t, 1, instanceOf(gcStart, 1001, "only"))); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	if err := w.Close(0); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := NewReader(bytes.NewReader(sink.buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	counts := make(map[BlockKind]int)
	blocks := 0
	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		counts[blk.Kind]++
		if blk.Kind != BlockTrailer {
			blocks++
		}
	}
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if counts[BlockEvent] != 1 || counts[BlockTrailer] != 1 {
		t.Errorf("block counts = %v, want one event and one trailer", counts)
	}
	trailer, _ := r.Trailer()
	if trailer.Status != StatusClean {
		t.Errorf("trailer status = %v, want clean", trailer.Status)
	}
	if trailer.Blocks != uint64(blocks) {
		t.Errorf("trailer counts %d blocks, stream has %d", trailer.Blocks, blocks)
	}
}

func TestWriter_SequencePointPolicy(t *testing.T) {
	sink := &memSink{}
	w, _ := newTestWriter(sink, nil, PolicyConfig{MaxEvents: 2})

	_ = w.WriteHeader()
	for i := 0; i < 3; i++ {
		b := retiredBuffer(t, event.ThreadID(i+1),
			instanceOf(gcStart, uint64(2000+i), "a"),
			instanceOf(gcStart, uint64(2100+i), "b"))
		if err := w.WriteBuffer(b); err != nil {
			t.Fatalf("WriteBuffer() error = %v", err)
		}
	}
	_ = w.Close(0)

	s, err := Decode(sink.buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(s.SequencePoints) != 3 {
		t.Fatalf("got %d sequence points, want one per buffer", len(s.SequencePoints))
	}
	last := s.SequencePoints[2]
	if len(last.Threads) != 3 || last.Threads[2].LastTimestamp != 2102 {
		t.Errorf("last sequence point = %+v", last)
	}
}

func TestWriter_FlushWritesSequencePoint(t *testing.T) {
	sink := &memSink{}
	w, _ := newTestWriter(sink, nil, PolicyConfig{})

	_ = w.WriteHeader()
	_ = w.WriteBuffer(retiredBuffer(t, 1, instanceOf(gcStart, 1001, "x")))
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	flushed := sink.buf.Len()
	if flushed == 0 {
		t.Fatal("Flush() should push bytes to the sink")
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	if sink.buf.Len() != flushed {
		t.Error("Flush() without new events should not write another sequence point")
	}
	if got := w.Stats().SequencePoints; got != 1 {
		t.Errorf("SequencePoints = %d, want 1", got)
	}
}

func TestWriter_Rundown(t *testing.T) {
	sink := &memSink{}
	w, _ := newTestWriter(sink, nil, PolicyConfig{})

	_ = w.WriteHeader()
	_ = w.WriteBuffer(retiredBuffer(t, 1, instanceOf(gcStart, 1001, "x")))
	if err := w.WriteRundown([]*event.Definition{gcStart, thrown}); err != nil {
		t.Fatalf("WriteRundown() error = %v", err)
	}
	_ = w.Close(0)

	s, err := Decode(sink.buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff([]*event.Definition{gcStart, thrown}, s.Rundown); diff != "" {
		t.Errorf("rundown mismatch (-want +got):\n%s", diff)
	}
	if s.Events[0].DefinitionID != 1 {
		t.Errorf("event definition id = %d, want 1", s.Events[0].DefinitionID)
	}
}

func TestWriter_SinkFailureMarksIncomplete(t *testing.T) {
	// Write #1 is the flushed header, #2 the failed flush during Close,
	// #3 the trailer.
	sink := &memSink{failOn: 2}
	metrics := &mockMetrics{}
	w, _ := newTestWriter(sink, metrics, PolicyConfig{})

	_ = w.WriteHeader()
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := w.WriteBuffer(retiredBuffer(t, 1, instanceOf(gcStart, 1001, "lost"))); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}

	err := w.Close(0)
	var sinkErr *errors.SinkError
	if !stderrors.As(err, &sinkErr) {
		t.Fatalf("Close() error = %v, want SinkError", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("a failed write should be retryable")
	}
	if !sink.closed {
		t.Error("sink should be closed even after a write failure")
	}
	if metrics.sinkErrors != 1 {
		t.Errorf("sink errors = %d, want 1", metrics.sinkErrors)
	}

	s, err := Decode(sink.buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if s.Trailer.Status != StatusIncomplete {
		t.Errorf("trailer status = %v, want incomplete", s.Trailer.Status)
	}
	if len(s.Events) != 0 {
		t.Errorf("decoded %d events, the failed flush should have lost them", len(s.Events))
	}
	if err := w.WriteSequencePoint(); !stderrors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("WriteSequencePoint() after Close error = %v, want ErrWriterClosed", err)
	}
}

func TestWriter_FaultedWriterSkipsWrites(t *testing.T) {
	sink := &memSink{failOn: 1}
	w, _ := newTestWriter(sink, nil, PolicyConfig{})

	_ = w.WriteHeader()
	if err := w.Flush(); err == nil {
		t.Fatal("Flush() should fail")
	}
	if err := w.WriteBuffer(retiredBuffer(t, 1, instanceOf(gcStart, 1, "x"))); err == nil {
		t.Error("WriteBuffer() on a faulted writer should fail")
	}
	if !w.Stats().Faulted || w.Err() == nil {
		t.Error("writer should report the fault")
	}
	if sink.writes != 1 {
		t.Errorf("sink saw %d writes, faulted writer should not retry", sink.writes)
	}
}

func TestWriter_StateErrors(t *testing.T) {
	sink := &memSink{}
	w, _ := newTestWriter(sink, nil, PolicyConfig{})

	if err := w.WriteBuffer(retiredBuffer(t, 1)); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("WriteBuffer() before header error = %v, want ErrInvalidState", err)
	}
	_ = w.WriteHeader()
	if err := w.WriteHeader(); err != nil {
		t.Errorf("second WriteHeader() error = %v, want nil", err)
	}
	_ = w.Close(0)
	if err := w.Close(0); !stderrors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("second Close() error = %v, want ErrWriterClosed", err)
	}
}

func TestWriter_CloseErrorIsReturned(t *testing.T) {
	sink := &memSink{closeErr: stderrors.New("fsync failed")}
	w, _ := newTestWriter(sink, nil, PolicyConfig{})

	_ = w.WriteHeader()
	err := w.Close(0)
	var sinkErr *errors.SinkError
	if !stderrors.As(err, &sinkErr) || sinkErr.Operation != "close" {
		t.Fatalf("Close() error = %v, want close SinkError", err)
	}
}
