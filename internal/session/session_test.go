package session

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/jittakal/eventpipe/internal/buffer"
	"github.com/jittakal/eventpipe/internal/callback"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/internal/provider"
	"github.com/jittakal/eventpipe/internal/shim"
	"github.com/jittakal/eventpipe/internal/stream"
	pkgbuffer "github.com/jittakal/eventpipe/pkg/buffer"
	"github.com/jittakal/eventpipe/pkg/event"
)

// memSink is a goroutine-safe in-memory sink. Arming failNext makes the
// next Write fail without accepting anything.
type memSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	failNext bool
	closed   bool
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.ErrSinkClosed
	}
	if s.failNext {
		s.failNext = false
		return 0, stderrors.New("device unplugged")
	}
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) Backend() string { return "memory" }

func (s *memSink) armFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *memSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *memSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type mockArchiver struct {
	mu      sync.Mutex
	buffers int
	events  int
	closed  bool
}

func (a *mockArchiver) Archive(b pkgbuffer.Retired) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers++
	a.events += b.Stats().EventCount
	return nil
}

func (a *mockArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

type mockMetrics struct {
	mu      sync.Mutex
	written int64
	dropped int64
	states  []string
}

func (m *mockMetrics) AddStreamBytes(string, int64)         {}
func (m *mockMetrics) AddEventsSerialized(string, int)      {}
func (m *mockMetrics) IncSequencePoints(string)             {}
func (m *mockMetrics) IncSinkErrors(string, string)         {}
func (m *mockMetrics) IncCallbacksDelivered(string)         {}
func (m *mockMetrics) IncCallbacksRejected()                {}
func (m *mockMetrics) SetBufferMemory(string, int64, int)   {}
func (m *mockMetrics) AddBuffersRetired(string, int)        {}
func (m *mockMetrics) ObserveFlushDuration(string, float64) {}

func (m *mockMetrics) SetSessionState(_ string, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *mockMetrics) AddEventsWritten(_ string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written += n
}

func (m *mockMetrics) AddEventsDropped(_ string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped += n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	fake    *shim.Fake
	catalog *provider.Catalog
	sink    *memSink
	session *Session
	gc      *provider.Provider
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		fake:    shim.NewFake(),
		catalog: provider.NewCatalog(testLogger()),
		sink:    &memSink{},
	}
	f.fake.Clock.SetStep(10)
	f.gc = f.catalog.Register("Runtime.GC", nil)

	o := Options{
		Name:    "test",
		Runtime: f.fake.Runtime(),
		Catalog: f.catalog,
		Sink:    f.sink,
		Logger:  testLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.session = New(o)
	return f
}

func testConfig(providers ...ProviderFilter) Config {
	cfg := DefaultConfig()
	cfg.BufferSize = 4096
	cfg.MaxMemory = 64 * 1024
	cfg.FlushInterval = 0
	cfg.Rundown = false
	cfg.Providers = providers
	return cfg
}

func mustEnable(t *testing.T, s *Session, cfg Config) {
	t.Helper()
	outcome, err := s.Enable(cfg)
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("Enable() outcome = %s, want applied", outcome)
	}
}

func mustDisable(t *testing.T, s *Session) {
	t.Helper()
	if _, err := s.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateEnabled, "enabled"},
		{StateDisabling, "disabling"},
		{StateDisabled, "disabled"},
		{StateDeleted, "deleted"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", int32(tt.state), got, tt.want)
		}
	}
}

func TestSession_OneEvent(t *testing.T) {
	f := newFixture(t)
	def := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC", Level: event.LevelVerbose}))

	tid := f.fake.Threads.Register()
	if got := f.session.WriteEvent(tid, def, []byte("gen2")); got != ResultWritten {
		t.Fatalf("WriteEvent() = %s, want written", got)
	}
	mustDisable(t, f.session)

	s, err := stream.Decode(f.sink.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(s.Events) != 1 {
		t.Fatalf("decoded %d events, want 1", len(s.Events))
	}

	got := s.Events[0]
	if diff := cmp.Diff(def, got.Definition); diff != "" {
		t.Errorf("definition mismatch (-want +got):\n%s", diff)
	}
	if got.Instance.ThreadID != tid || got.Instance.Sequence != 0 || string(got.Instance.Payload) != "gen2" {
		t.Errorf("instance = %+v, want thread %d sequence 0 payload gen2", got.Instance, tid)
	}
	want := stream.Trailer{Status: stream.StatusClean, Events: 1, Dropped: 0}
	if s.Trailer.Status != want.Status || s.Trailer.Events != want.Events || s.Trailer.Dropped != want.Dropped {
		t.Errorf("trailer = %+v, want %+v", s.Trailer, want)
	}
	if s.Header.Metadata.SessionID != f.session.ID().String() || s.Header.Metadata.SessionName != "test" {
		t.Errorf("header metadata = %+v", s.Header.Metadata)
	}
	if !f.sink.isClosed() {
		t.Error("Disable() should close the sink")
	}
	if st := f.session.State(); st != StateDisabled {
		t.Errorf("State() = %s, want disabled", st)
	}
}

func TestSession_WriteEventResults(t *testing.T) {
	f := newFixture(t)
	gcStart := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	gcVerbose := f.gc.Define(2, 0, "GCAllocationTick", event.LevelVerbose, 0x1)
	gcOther := f.gc.Define(3, 0, "GCHeapStats", event.LevelInformational, 0x4)
	gcNoKeywords := f.gc.Define(4, 0, "GCEnd", event.LevelInformational, 0)
	jit := f.catalog.Register("Runtime.JIT", nil).Define(1, 0, "MethodJitted", event.LevelInformational, 0x1)

	tid := f.fake.Threads.Register()
	if got := f.session.WriteEvent(tid, gcStart, nil); got != ResultNotEnabled {
		t.Errorf("WriteEvent() before Enable = %s, want not_enabled", got)
	}

	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC", Level: event.LevelInformational, Keywords: 0x1}))

	tests := []struct {
		name string
		def  *event.Definition
		want Result
	}{
		{"matching", gcStart, ResultWritten},
		{"level too verbose", gcVerbose, ResultFiltered},
		{"keyword mismatch", gcOther, ResultFiltered},
		{"no keywords always match", gcNoKeywords, ResultWritten},
		{"provider not enabled", jit, ResultFiltered},
		{"nil definition", nil, ResultFiltered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.session.WriteEvent(tid, tt.def, []byte("x")); got != tt.want {
				t.Errorf("WriteEvent() = %s, want %s", got, tt.want)
			}
		})
	}

	if got := f.session.WriteEvent(tid, gcStart, make([]byte, 8192)); got != ResultDropped {
		t.Errorf("WriteEvent() of an oversized event = %s, want dropped", got)
	}

	mustDisable(t, f.session)
	if got := f.session.WriteEvent(tid, gcStart, nil); got != ResultNotEnabled {
		t.Errorf("WriteEvent() after Disable = %s, want not_enabled", got)
	}

	s, err := stream.Decode(f.sink.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(s.Events) != 2 || s.Trailer.Dropped != 1 {
		t.Errorf("decoded %d events, %d dropped, want 2 and 1", len(s.Events), s.Trailer.Dropped)
	}
}

func TestSession_CapUnderConcurrentProducers(t *testing.T) {
	const (
		threads   = 8
		perThread = 1000
	)

	metrics := &mockMetrics{}
	f := newFixture(t, func(o *Options) { o.Metrics = metrics })
	def := f.gc.Define(1, 0, "Tick", event.LevelInformational, 0x1)

	policy, err := buffer.ParsePolicy("circular")
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	cfg := testConfig(ProviderFilter{Name: "Runtime.GC"})
	cfg.BufferSize = 1024
	cfg.MaxMemory = 4096
	cfg.Policy = policy
	mustEnable(t, f.session, cfg)

	var (
		mu     sync.Mutex
		counts = map[Result]int{}
	)
	var g errgroup.Group
	for i := 0; i < threads; i++ {
		g.Go(func() error {
			tid := f.fake.Threads.Register()
			payload := make([]byte, 50)
			local := map[Result]int{}
			for j := 0; j < perThread; j++ {
				local[f.session.WriteEvent(tid, def, payload)]++
			}
			mu.Lock()
			for r, n := range local {
				counts[r] += n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producers error = %v", err)
	}

	st := f.session.Stats()
	if st.Buffers.Peak > 4096 || st.Buffers.Allocated > 4096 {
		t.Errorf("allocation peak %d, current %d, want <= 4096", st.Buffers.Peak, st.Buffers.Allocated)
	}
	if st.Buffers.Violations != 0 {
		t.Errorf("ownership violations = %d, want 0", st.Buffers.Violations)
	}
	if counts[ResultDropped] == 0 {
		t.Error("expected dropped events with 8 threads and a 4-buffer cap")
	}
	if counts[ResultWritten]+counts[ResultDropped] != threads*perThread {
		t.Errorf("results = %v, want written+dropped = %d", counts, threads*perThread)
	}

	mustDisable(t, f.session)

	s, err := stream.Decode(f.sink.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if s.Trailer.Status != stream.StatusClean {
		t.Errorf("trailer status = %s, want clean", s.Trailer.Status)
	}
	if len(s.Events) != counts[ResultWritten] {
		t.Errorf("decoded %d events, want %d", len(s.Events), counts[ResultWritten])
	}
	if int(s.Trailer.Dropped) != counts[ResultDropped] {
		t.Errorf("trailer dropped = %d, want %d", s.Trailer.Dropped, counts[ResultDropped])
	}

	// Per-thread sequences increase and dropped events leave gaps.
	last := map[event.ThreadID]int64{}
	for _, e := range s.Events {
		prev, ok := last[e.Instance.ThreadID]
		if ok && int64(e.Instance.Sequence) <= prev {
			t.Fatalf("thread %d sequence %d after %d", e.Instance.ThreadID, e.Instance.Sequence, prev)
		}
		last[e.Instance.ThreadID] = int64(e.Instance.Sequence)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.written != int64(counts[ResultWritten]) || metrics.dropped != int64(counts[ResultDropped]) {
		t.Errorf("metrics written/dropped = %d/%d, want %d/%d",
			metrics.written, metrics.dropped, counts[ResultWritten], counts[ResultDropped])
	}
}

func TestSession_SinkFailureDuringDisable(t *testing.T) {
	f := newFixture(t)
	def := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))

	tid := f.fake.Threads.Register()
	f.session.WriteEvent(tid, def, []byte("before"))
	if err := f.session.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	f.session.WriteEvent(tid, def, []byte("after"))

	f.sink.armFailure()
	outcome, err := f.session.Disable()
	var sinkErr *errors.SinkError
	if !stderrors.As(err, &sinkErr) {
		t.Fatalf("Disable() error = %v, want SinkError", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Disable() outcome = %s, want applied", outcome)
	}
	if st := f.session.State(); st != StateDisabled {
		t.Errorf("State() = %s, want disabled", st)
	}
	if !f.session.Faulted() {
		t.Error("session should be faulted after a sink error")
	}

	data := f.sink.Bytes()
	trailer, err := stream.ReadTrailer(data)
	if err != nil {
		t.Fatalf("ReadTrailer() error = %v", err)
	}
	if trailer.Status != stream.StatusIncomplete {
		t.Errorf("trailer status = %s, want incomplete", trailer.Status)
	}
	s, err := stream.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(s.Events) != 1 || string(s.Events[0].Instance.Payload) != "before" {
		t.Errorf("decoded events = %d, want only the flushed one", len(s.Events))
	}

	outcome, err = f.session.Delete()
	if err != nil || outcome != OutcomeApplied {
		t.Errorf("Delete() = %s, %v, want applied, nil", outcome, err)
	}
	if got := f.session.Stats().Buffers.Allocated; got != 0 {
		t.Errorf("allocated after Delete = %d, want 0", got)
	}
}

func TestSession_DisableIdempotent(t *testing.T) {
	f := newFixture(t)
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))

	var (
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			outcome, err := f.session.Disable()
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	if diff := cmp.Diff(map[Outcome]int{OutcomeApplied: 1, OutcomeNoOp: 7}, outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if outcome, err := f.session.Disable(); outcome != OutcomeNoOp || err != nil {
		t.Errorf("Disable() again = %s, %v, want noop, nil", outcome, err)
	}
	if _, err := stream.Decode(f.sink.Bytes()); err != nil {
		t.Errorf("Decode() error = %v", err)
	}
}

func TestSession_FlushVisibility(t *testing.T) {
	f := newFixture(t)
	def := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			tid := f.fake.Threads.Register()
			for j := 0; j < 5; j++ {
				f.session.WriteEvent(tid, def, []byte("v"))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := f.session.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	r, err := stream.NewReader(bytes.NewReader(f.sink.Bytes()))
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	events, points := 0, 0
	for {
		blk, err := r.Next()
		if stderrors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		switch blk.Kind {
		case stream.BlockEvent:
			events++
		case stream.BlockSequencePoint:
			points++
		}
	}
	if events != 15 {
		t.Errorf("events visible after Flush = %d, want 15", events)
	}
	if points == 0 {
		t.Error("Flush() should write a sequence point")
	}

	mustDisable(t, f.session)
	if err := f.session.Flush(); !stderrors.Is(err, errors.ErrSessionNotEnabled) {
		t.Errorf("Flush() after Disable error = %v, want ErrSessionNotEnabled", err)
	}
}

func TestSession_InvalidStateAfterDelete(t *testing.T) {
	f := newFixture(t)
	def := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))

	if outcome, err := f.session.Delete(); outcome != OutcomeApplied || err != nil {
		t.Fatalf("Delete() = %s, %v, want applied, nil", outcome, err)
	}
	if _, err := stream.Decode(f.sink.Bytes()); err != nil {
		t.Errorf("Delete() of an enabled session should finish the stream: %v", err)
	}

	if _, err := f.session.Enable(testConfig(ProviderFilter{Name: "Runtime.GC"})); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Enable() after Delete error = %v, want ErrInvalidState", err)
	}
	if _, err := f.session.Disable(); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Disable() after Delete error = %v, want ErrInvalidState", err)
	}
	if _, err := f.session.Delete(); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Delete() after Delete error = %v, want ErrInvalidState", err)
	}
	if err := f.session.UpdateProviders([]ProviderFilter{{Name: "Runtime.GC"}}); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("UpdateProviders() after Delete error = %v, want ErrInvalidState", err)
	}
	if got := f.session.WriteEvent(1, def, nil); got != ResultNotEnabled {
		t.Errorf("WriteEvent() after Delete = %s, want not_enabled", got)
	}
}

func TestSession_Transitions(t *testing.T) {
	t.Run("enable twice is a no-op", func(t *testing.T) {
		f := newFixture(t)
		mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))
		if outcome, err := f.session.Enable(testConfig(ProviderFilter{Name: "Runtime.GC"})); outcome != OutcomeNoOp || err != nil {
			t.Errorf("Enable() again = %s, %v, want noop, nil", outcome, err)
		}
		mustDisable(t, f.session)
	})

	t.Run("enable after disable is rejected", func(t *testing.T) {
		f := newFixture(t)
		mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))
		mustDisable(t, f.session)
		if _, err := f.session.Enable(testConfig(ProviderFilter{Name: "Runtime.GC"})); !stderrors.Is(err, errors.ErrInvalidState) {
			t.Errorf("Enable() after Disable error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("disable before enable is a no-op", func(t *testing.T) {
		f := newFixture(t)
		if outcome, err := f.session.Disable(); outcome != OutcomeNoOp || err != nil {
			t.Errorf("Disable() = %s, %v, want noop, nil", outcome, err)
		}
	})

	t.Run("delete uninitialized closes the sink", func(t *testing.T) {
		f := newFixture(t)
		if outcome, err := f.session.Delete(); outcome != OutcomeApplied || err != nil {
			t.Errorf("Delete() = %s, %v, want applied, nil", outcome, err)
		}
		if !f.sink.isClosed() || len(f.sink.Bytes()) != 0 {
			t.Error("Delete() of an uninitialized session should close an empty sink")
		}
	})

	t.Run("invalid config leaves the session uninitialized", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.session.Enable(testConfig())
		var ve *errors.ValidationError
		if !stderrors.As(err, &ve) {
			t.Fatalf("Enable() error = %v, want ValidationError", err)
		}
		if st := f.session.State(); st != StateUninitialized {
			t.Errorf("State() = %s, want uninitialized", st)
		}
	})

	t.Run("state metrics", func(t *testing.T) {
		metrics := &mockMetrics{}
		f := newFixture(t, func(o *Options) { o.Metrics = metrics })
		mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))
		mustDisable(t, f.session)
		if _, err := f.session.Delete(); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		want := []string{"enabled", "disabling", "disabled", "deleted"}
		if diff := cmp.Diff(want, metrics.states); diff != "" {
			t.Errorf("states mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSession_ProviderCallbacks(t *testing.T) {
	f := newFixture(t)

	type call struct {
		Provider string
		Kind     callback.Kind
		Level    event.Level
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	record := func(name string) provider.Callback {
		return func(kind callback.Kind, filter callback.FilterData) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, call{name, kind, filter.Level})
			if filter.Session != "test" {
				t.Errorf("filter session = %q, want test", filter.Session)
			}
		}
	}
	for _, name := range []string{"A", "B", "C"} {
		f.catalog.Register(name, record(name))
	}

	mustEnable(t, f.session, testConfig(
		ProviderFilter{Name: "A", Level: event.LevelError},
		ProviderFilter{Name: "B", Level: event.LevelError},
	))
	err := f.session.UpdateProviders([]ProviderFilter{
		{Name: "B", Level: event.LevelVerbose},
		{Name: "C", Level: event.LevelWarning},
	})
	if err != nil {
		t.Fatalf("UpdateProviders() error = %v", err)
	}
	if err := f.session.UpdateProviders([]ProviderFilter{{Name: ""}}); err == nil {
		t.Error("UpdateProviders() with an invalid filter should fail")
	}
	mustDisable(t, f.session)

	want := []call{
		{"A", callback.KindEnable, event.LevelError},
		{"B", callback.KindEnable, event.LevelError},
		{"A", callback.KindDisable, event.LevelError},
		{"B", callback.KindConfigChanged, event.LevelVerbose},
		{"C", callback.KindEnable, event.LevelWarning},
		{"B", callback.KindDisable, event.LevelVerbose},
		{"C", callback.KindDisable, event.LevelWarning},
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}
	for _, name := range []string{"A", "B", "C"} {
		if p, _ := f.catalog.Lookup(name); p.Enabled() {
			t.Errorf("provider %s still enabled after Disable", name)
		}
	}
}

func TestSession_CallbacksExceedQueueCapacity(t *testing.T) {
	f := newFixture(t)

	const providers = 64
	var (
		mu     sync.Mutex
		counts = map[string]map[callback.Kind]int{}
	)
	filters := make([]ProviderFilter, 0, providers)
	for i := 0; i < providers; i++ {
		name := fmt.Sprintf("P%02d", i)
		f.catalog.Register(name, func(kind callback.Kind, _ callback.FilterData) {
			mu.Lock()
			defer mu.Unlock()
			if counts[name] == nil {
				counts[name] = map[callback.Kind]int{}
			}
			counts[name][kind]++
		})
		filters = append(filters, ProviderFilter{Name: name})
	}

	cfg := testConfig(filters...)
	cfg.CallbackQueueSize = 4
	mustEnable(t, f.session, cfg)
	mustDisable(t, f.session)

	if got := f.session.Stats().Callbacks; got.Rejected != 0 || got.Delivered != 2*providers {
		t.Errorf("callback stats = %+v, want %d delivered and none rejected", got, 2*providers)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, pf := range filters {
		want := map[callback.Kind]int{callback.KindEnable: 1, callback.KindDisable: 1}
		if diff := cmp.Diff(want, counts[pf.Name]); diff != "" {
			t.Errorf("provider %s callbacks mismatch (-want +got):\n%s", pf.Name, diff)
		}
		if p, _ := f.catalog.Lookup(pf.Name); p.Enabled() {
			t.Errorf("provider %s still enabled after Disable", pf.Name)
		}
	}
}

func TestSession_CallbackReentersDuringDisable(t *testing.T) {
	f := newFixture(t)

	type reentry struct {
		stats   Stats
		update  error
		flush   error
		outcome Outcome
		disable error
		deleted Outcome
		delete  error
	}
	got := make(chan reentry, 1)
	f.catalog.Register("Reentrant", func(kind callback.Kind, _ callback.FilterData) {
		if kind != callback.KindDisable {
			return
		}
		var r reentry
		r.stats = f.session.Stats()
		r.update = f.session.UpdateProviders([]ProviderFilter{{Name: "Runtime.GC"}})
		r.flush = f.session.Flush()
		r.outcome, r.disable = f.session.Disable()
		r.deleted, r.delete = f.session.Delete()
		got <- r
	})

	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Reentrant"}))

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Disable()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disable() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Disable() did not return while a callback called back into the session")
	}

	r := <-got
	if r.stats.State != StateDisabling {
		t.Errorf("Stats().State in callback = %s, want disabling", r.stats.State)
	}
	if !stderrors.Is(r.update, errors.ErrInvalidState) {
		t.Errorf("UpdateProviders() in callback error = %v, want ErrInvalidState", r.update)
	}
	if !stderrors.Is(r.flush, errors.ErrSessionNotEnabled) {
		t.Errorf("Flush() in callback error = %v, want ErrSessionNotEnabled", r.flush)
	}
	if r.outcome != OutcomeNoOp || r.disable != nil {
		t.Errorf("Disable() in callback = %s, %v, want noop, nil", r.outcome, r.disable)
	}
	if r.deleted != OutcomeApplied || r.delete != nil {
		t.Errorf("Delete() in callback = %s, %v, want applied, nil", r.deleted, r.delete)
	}

	if st := f.session.State(); st != StateDeleted {
		t.Errorf("State() = %s, want deleted once the disable finished", st)
	}
	if p, _ := f.catalog.Lookup("Reentrant"); p.Enabled() {
		t.Error("provider still enabled after Disable")
	}
	if _, err := stream.Decode(f.sink.Bytes()); err != nil {
		t.Errorf("Decode() error = %v", err)
	}
}

func TestSession_ConcurrentCallsDuringSlowCallback(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.catalog.Register("Slow", func(kind callback.Kind, _ callback.FilterData) {
		if kind == callback.KindDisable {
			close(entered)
			<-release
		}
	})
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Slow"}))

	disabled := make(chan error, 1)
	go func() {
		_, err := f.session.Disable()
		disabled <- err
	}()
	<-entered

	// The session lock is free while the callback runs.
	if st := f.session.Stats().State; st != StateDisabling {
		t.Errorf("Stats().State = %s, want disabling", st)
	}
	if err := f.session.SetMaxMemory(1 << 20); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("SetMaxMemory() error = %v, want ErrInvalidState", err)
	}
	if _, err := f.session.Enable(testConfig()); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Enable() error = %v, want ErrInvalidState", err)
	}
	if outcome, err := f.session.Delete(); outcome != OutcomeApplied || err != nil {
		t.Errorf("Delete() = %s, %v, want applied, nil", outcome, err)
	}
	if st := f.session.State(); st != StateDisabling {
		t.Errorf("State() before the callback returns = %s, want disabling", st)
	}

	close(release)
	select {
	case err := <-disabled:
		if err != nil {
			t.Fatalf("Disable() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Disable() did not return")
	}

	if st := f.session.State(); st != StateDeleted {
		t.Errorf("State() = %s, want deleted", st)
	}
	if !f.sink.isClosed() {
		t.Error("sink not closed")
	}
	if _, err := stream.Decode(f.sink.Bytes()); err != nil {
		t.Errorf("Decode() error = %v", err)
	}
}

func TestSession_StacksRundownArchive(t *testing.T) {
	archiver := &mockArchiver{}
	f := newFixture(t, func(o *Options) { o.Archiver = archiver })
	f.fake.Stacks.Set(0x401000, 0x401100, 0x401200)

	def := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	f.gc.Define(2, 0, "GCEnd", event.LevelInformational, 0x1)
	f.catalog.Register("Other", nil).Define(1, 0, "Unrelated", event.LevelInformational, 0)

	cfg := testConfig(ProviderFilter{Name: "Runtime.GC"})
	cfg.Stacks = true
	cfg.MaxStackDepth = 2
	cfg.Rundown = true
	cfg.Attributes = map[string]string{"host": "unit"}
	mustEnable(t, f.session, cfg)

	tid := f.fake.Threads.Register()
	f.session.WriteEvent(tid, def, []byte("a"))
	f.session.WriteEvent(tid, def, []byte("b"))
	f.session.ReleaseThread(tid)
	mustDisable(t, f.session)

	s, err := stream.Decode(f.sink.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(s.Events) != 2 {
		t.Fatalf("decoded %d events, want 2", len(s.Events))
	}
	if diff := cmp.Diff([]uint64{0x401000, 0x401100}, s.Events[0].Instance.Stack); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}

	var rundown []string
	for _, d := range s.Rundown {
		rundown = append(rundown, d.Name)
	}
	if diff := cmp.Diff([]string{"GCStart", "GCEnd"}, rundown); diff != "" {
		t.Errorf("rundown mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"host": "unit"}, s.Header.Metadata.Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if archiver.events != 2 || !archiver.closed {
		t.Errorf("archiver saw %d events, closed=%v, want 2 and closed", archiver.events, archiver.closed)
	}
}

func TestSession_PeriodicFlush(t *testing.T) {
	f := newFixture(t)
	def := f.gc.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
	cfg := testConfig(ProviderFilter{Name: "Runtime.GC"})
	cfg.FlushInterval = 10 * time.Millisecond
	mustEnable(t, f.session, cfg)
	defer f.session.Delete()

	f.session.WriteEvent(f.fake.Threads.Register(), def, []byte("tick"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.session.Stats().Stream.Events == 1 && len(f.sink.Bytes()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("periodic flush did not serialize the event")
}

func TestSession_SetMaxMemory(t *testing.T) {
	f := newFixture(t)
	if err := f.session.SetMaxMemory(8192); !stderrors.Is(err, errors.ErrInvalidState) {
		t.Errorf("SetMaxMemory() before Enable error = %v, want ErrInvalidState", err)
	}
	mustEnable(t, f.session, testConfig(ProviderFilter{Name: "Runtime.GC"}))
	if err := f.session.SetMaxMemory(8192); err != nil {
		t.Fatalf("SetMaxMemory() error = %v", err)
	}
	if got := f.session.Stats().Buffers.Cap; got != 8192 {
		t.Errorf("Cap = %d, want 8192", got)
	}
	mustDisable(t, f.session)
}
