package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jittakal/eventpipe/internal/buffer"
	"github.com/jittakal/eventpipe/internal/callback"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/internal/provider"
	"github.com/jittakal/eventpipe/internal/shim"
	"github.com/jittakal/eventpipe/internal/stream"
	"github.com/jittakal/eventpipe/internal/validator"
	pkgbuffer "github.com/jittakal/eventpipe/pkg/buffer"
	"github.com/jittakal/eventpipe/pkg/event"
	"github.com/jittakal/eventpipe/pkg/sink"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateUninitialized State = iota
	StateEnabled
	StateDisabling
	StateDisabled
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEnabled:
		return "enabled"
	case StateDisabling:
		return "disabling"
	case StateDisabled:
		return "disabled"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome reports whether a lifecycle call changed the session.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNoOp
)

func (o Outcome) String() string {
	if o == OutcomeApplied {
		return "applied"
	}
	return "noop"
}

// Result is the outcome of WriteEvent.
type Result int

const (
	ResultWritten Result = iota
	ResultNotEnabled
	ResultFiltered
	ResultDropped
	ResultFaulted
)

func (r Result) String() string {
	switch r {
	case ResultWritten:
		return "written"
	case ResultNotEnabled:
		return "not_enabled"
	case ResultFiltered:
		return "filtered"
	case ResultDropped:
		return "dropped"
	case ResultFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Archiver receives every retired buffer after it has been serialized.
type Archiver interface {
	Archive(b pkgbuffer.Retired) error
	Close() error
}

// MetricsCollector defines the interface for recording session metrics.
type MetricsCollector interface {
	stream.MetricsCollector
	callback.MetricsCollector

	SetSessionState(session string, state string)
	SetBufferMemory(session string, allocated int64, buffers int)
	AddEventsWritten(session string, n int64)
	AddEventsDropped(session string, n int64)
	AddBuffersRetired(session string, n int)
	ObserveFlushDuration(session string, seconds float64)
}

// Options configures a session.
type Options struct {
	// ID is the session GUID recorded in the stream header. A zero ID
	// generates a random one.
	ID       uuid.UUID
	Name     string
	Runtime  shim.Runtime
	Catalog  *provider.Catalog
	Sink     sink.Sink
	Archiver Archiver
	Logger   *slog.Logger
	Metrics  MetricsCollector
}

// Stats is a snapshot of session counters.
type Stats struct {
	State     State
	Faulted   bool
	Buffers   buffer.Stats
	Stream    stream.Stats
	Callbacks callback.Stats
	// Lost counts buffered events discarded because the sink failed.
	Lost int64
}

type activeFilter struct {
	provider *provider.Provider
	filter   ProviderFilter
}

// filterSet maps provider ids to the session's filter for them.
type filterSet map[uint32]activeFilter

// Session is one tracing session: a buffer manager, a stream writer over
// one sink and the provider filters that decide which events it records.
//
// WriteEvent is safe from any goroutine and never blocks on I/O. Lifecycle
// calls are serialized by the session mutex.
type Session struct {
	id       uuid.UUID
	name     string
	rt       shim.Runtime
	catalog  *provider.Catalog
	sink     sink.Sink
	archiver Archiver
	logger   *slog.Logger
	metrics  MetricsCollector

	state    atomic.Int32
	inflight atomic.Int64
	faulted  atomic.Bool
	filters  atomic.Pointer[filterSet]

	// mu serializes Enable, Disable, Delete, Flush and UpdateProviders.
	// Disable releases it while provider callbacks drain, so a callback may
	// call back into the session; other lifecycle calls see Disabling.
	mu             sync.Mutex
	cfg            Config
	manager        *buffer.Manager
	writer         *stream.Writer
	queue          *callback.Queue
	cancel         context.CancelFunc
	serializerDone chan struct{}
	deliveryDone   chan struct{}
	disabled       chan struct{}
	delivering     atomic.Int32
	deletePending  bool

	// writeMu orders serialization passes against each other.
	writeMu         sync.Mutex
	lost            int64
	reportedWritten int64
	reportedDropped int64
}

// New creates an uninitialized session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = provider.NewCatalog(logger)
	}
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	name := opts.Name
	if name == "" {
		name = id.String()
	}

	s := &Session{
		id:       id,
		name:     name,
		rt:       opts.Runtime,
		catalog:  catalog,
		sink:     opts.Sink,
		archiver: opts.Archiver,
		logger:   logger.With("session", name),
		metrics:  opts.Metrics,
	}
	s.filters.Store(&filterSet{})
	return s
}

// ID returns the session GUID recorded in the stream header.
func (s *Session) ID() uuid.UUID { return s.id }

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Faulted reports whether the sink has failed.
func (s *Session) Faulted() bool {
	return s.faulted.Load()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.metrics != nil {
		s.metrics.SetSessionState(s.name, st.String())
	}
}

func (s *Session) stateError(op string) error {
	return &errors.StateError{Session: s.name, Operation: op, State: s.State().String()}
}

// Enable starts the session. Enabling an enabled session is a no-op; a
// session that has been disabled cannot be enabled again.
func (s *Session) Enable(cfg Config) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateEnabled:
		return OutcomeNoOp, nil
	case StateUninitialized:
	default:
		return OutcomeNoOp, s.stateError("enable")
	}
	if s.sink == nil {
		return OutcomeNoOp, fmt.Errorf("enable: %w: no sink", errors.ErrInvalidState)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(s.name); err != nil {
		return OutcomeNoOp, err
	}
	s.cfg = cfg

	s.manager = buffer.NewManager(buffer.ManagerConfig{
		BufferSize: cfg.BufferSize,
		MaxMemory:  cfg.MaxMemory,
		Policy:     cfg.Policy,
	})
	s.queue = callback.NewQueue(cfg.CallbackQueueSize, s.logger, s.metrics)
	s.writer = stream.NewWriter(s.sink, stream.Options{
		Name:     s.name,
		Clock:    s.rt.Clock,
		Resolver: s.catalog,
		Metadata: stream.Metadata{
			SessionID:   s.id.String(),
			SessionName: s.name,
			ProcessID:   os.Getpid(),
			PointerSize: strconv.IntSize / 8,
			Attributes:  cfg.Attributes,
		},
		SequencePoints: cfg.SequencePoints,
	}, s.logger, s.metrics)

	if err := s.writer.WriteHeader(); err != nil {
		s.faulted.Store(true)
		_ = s.writer.Close(0)
		s.manager.Close()
		s.setState(StateDisabled)
		return OutcomeNoOp, fmt.Errorf("enable: %w", err)
	}

	filters := s.buildFilters(cfg.Providers)
	s.filters.Store(&filters)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.serializerDone = make(chan struct{})
	s.deliveryDone = make(chan struct{})
	s.disabled = make(chan struct{})
	go s.serialize(ctx, cfg.FlushInterval)
	go func() {
		defer close(s.deliveryDone)
		if err := s.queue.Run(ctx, s.deliver); err != nil && !stderrors.Is(err, context.Canceled) {
			s.logger.Error("callback delivery stopped", "error", err)
		}
	}()

	s.setState(StateEnabled)
	for _, f := range cfg.Providers {
		s.enqueue(filters.lookup(f.Name), callback.KindEnable)
	}

	s.logger.Info("session enabled",
		"session_id", s.id.String(),
		"buffer_size", s.manager.BufferSize(),
		"max_memory", cfg.MaxMemory,
		"policy", cfg.Policy.String(),
		"providers", len(cfg.Providers))
	return OutcomeApplied, nil
}

func (s *Session) buildFilters(providers []ProviderFilter) filterSet {
	fs := make(filterSet, len(providers))
	for _, f := range providers {
		p := s.catalog.Register(f.Name, nil)
		fs[p.ID()] = activeFilter{provider: p, filter: f}
	}
	return fs
}

func (fs filterSet) lookup(name string) activeFilter {
	for _, af := range fs {
		if af.filter.Name == name {
			return af
		}
	}
	return activeFilter{}
}

func (s *Session) enqueue(af activeFilter, kind callback.Kind) {
	if af.provider == nil {
		return
	}
	payload, err := callback.EncodeFilter(callback.FilterData{
		Session:   s.name,
		Level:     af.filter.Level,
		Keywords:  af.filter.Keywords,
		Arguments: af.filter.Arguments,
	})
	if err != nil {
		s.logger.Error("failed to encode provider callback", "provider", af.provider.Name(), "error", err)
		return
	}
	if _, err := s.queue.EnqueueLifecycle(callback.Entry{
		ProviderID:   af.provider.ID(),
		ProviderName: af.provider.Name(),
		Kind:         kind,
		Payload:      payload,
	}); err != nil {
		s.logger.Warn("provider callback not queued",
			"provider", af.provider.Name(),
			"kind", kind.String(),
			"error", err)
	}
}

// deliver runs one queued callback. delivering marks the callbacks'
// goroutine so a callback that disables or deletes the session does not
// wait for itself.
func (s *Session) deliver(e callback.Entry) {
	s.delivering.Add(1)
	defer s.delivering.Add(-1)
	s.catalog.Deliver(e)
}

// waitDisabled waits for a Disable in progress. It returns at once while a
// provider callback runs, since the Disable may be waiting on that callback.
func (s *Session) waitDisabled(done <-chan struct{}) {
	if s.delivering.Load() > 0 {
		return
	}
	<-done
}

// WriteEvent records one event of def on thread tid. It never blocks on
// I/O and never panics; the Result says what happened to the event.
func (s *Session) WriteEvent(tid event.ThreadID, def *event.Definition, payload []byte) Result {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if s.State() != StateEnabled {
		return ResultNotEnabled
	}
	if s.faulted.Load() {
		return ResultFaulted
	}
	if def == nil {
		return ResultFiltered
	}

	af, ok := (*s.filters.Load())[def.ProviderID]
	if !ok || !af.filter.Level.Enables(def.Level) || !af.filter.Keywords.Matches(def.Keywords) {
		return ResultFiltered
	}

	inst := event.Instance{
		Timestamp:  s.rt.Clock.Now(),
		ProviderID: def.ProviderID,
		EventID:    def.EventID,
		Version:    def.Version,
		Level:      def.Level,
		Keywords:   def.Keywords,
		Payload:    payload,
	}
	if s.cfg.Stacks && s.rt.StackWalker != nil {
		inst.Stack = s.rt.StackWalker.Walk(nil, 1, s.cfg.MaxStackDepth)
	}

	err := s.manager.Write(tid, &inst)
	switch {
	case err == nil:
		return ResultWritten
	case stderrors.Is(err, errors.ErrManagerClosed):
		return ResultNotEnabled
	default:
		return ResultDropped
	}
}

// ReleaseThread retires tid's buffer and forgets the thread. Producers
// that exit call it so their last buffer is serialized without a flush.
func (s *Session) ReleaseThread(tid event.ThreadID) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if s.State() == StateEnabled {
		s.manager.ReleaseThread(tid)
	}
}

// UpdateProviders replaces the provider filters of an enabled session.
// Added providers get an enable callback, removed ones a disable callback
// and providers whose filter changed a config-changed callback.
func (s *Session) UpdateProviders(providers []ProviderFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateEnabled {
		return s.stateError("update_providers")
	}

	normalized := make([]ProviderFilter, len(providers))
	for i, f := range providers {
		normalized[i] = f.normalized()
	}
	if err := validator.NewSessionValidator().ValidateProviders(s.name, toValidatorFilters(normalized)); err != nil {
		return err
	}

	prev := *s.filters.Load()
	next := s.buildFilters(normalized)
	s.filters.Store(&next)
	s.cfg.Providers = normalized

	removed := make([]uint32, 0)
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		s.enqueue(prev[id], callback.KindDisable)
	}

	for _, f := range normalized {
		af := next.lookup(f.Name)
		old, ok := prev[af.provider.ID()]
		switch {
		case !ok:
			s.enqueue(af, callback.KindEnable)
		case !old.filter.equal(f):
			s.enqueue(af, callback.KindConfigChanged)
		}
	}

	s.logger.Info("session providers updated", "providers", len(normalized), "removed", len(removed))
	return nil
}

// serialize is the session's serializer goroutine.
func (s *Session) serialize(ctx context.Context, interval time.Duration) {
	defer close(s.serializerDone)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.manager.Ready():
			s.writeMu.Lock()
			s.drainRetiredLocked()
			s.writeMu.Unlock()
		case <-tick:
			_ = s.flushPass()
		}
	}
}

// drainRetiredLocked serializes every retired buffer in retirement order
// and returns them to the manager. The caller holds writeMu.
func (s *Session) drainRetiredLocked() {
	retired := s.manager.TakeRetired()
	for _, b := range retired {
		if !s.faulted.Load() {
			before := s.writer.Stats().Events
			if err := s.writer.WriteBuffer(b); err != nil {
				s.fault(err)
				written := int64(s.writer.Stats().Events - before)
				s.lost += int64(b.Stats().EventCount) - written
			}
		} else {
			s.lost += int64(b.Stats().EventCount)
		}

		if s.archiver != nil {
			if err := s.archiver.Archive(b); err != nil {
				s.logger.Warn("failed to archive buffer", "sequence", b.Sequence(), "error", err)
			}
		}
		s.manager.Release(b)
	}
	s.reportLocked(len(retired))
}

func (s *Session) reportLocked(retired int) {
	if s.metrics == nil {
		return
	}
	st := s.manager.Stats()
	if d := st.Written - s.reportedWritten; d > 0 {
		s.metrics.AddEventsWritten(s.name, d)
		s.reportedWritten = st.Written
	}
	if d := st.Dropped - s.reportedDropped; d > 0 {
		s.metrics.AddEventsDropped(s.name, d)
		s.reportedDropped = st.Dropped
	}
	if retired > 0 {
		s.metrics.AddBuffersRetired(s.name, retired)
	}
	s.metrics.SetBufferMemory(s.name, st.Allocated, st.Buffers)
}

func (s *Session) fault(err error) {
	if s.faulted.CompareAndSwap(false, true) {
		s.logger.Error("session faulted, further events are discarded", "error", err)
	}
}

// flushPass retires every buffer, serializes it and flushes the sink.
func (s *Session) flushPass() error {
	start := time.Now()
	s.manager.FlushAll()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.drainRetiredLocked()
	if s.faulted.Load() {
		if err := s.writer.Err(); err != nil {
			return err
		}
		return errors.ErrSessionFaulty
	}
	if err := s.writer.Flush(); err != nil {
		s.fault(err)
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveFlushDuration(s.name, time.Since(start).Seconds())
	}
	return nil
}

// Flush makes every event whose WriteEvent returned before the call
// visible to the sink.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateEnabled {
		return fmt.Errorf("flush: %w", errors.ErrSessionNotEnabled)
	}
	return s.flushPass()
}

// Disable stops the session and finishes its stream. Concurrent callers
// wait for the first one and get OutcomeNoOp; a provider callback calling
// Disable gets OutcomeNoOp at once. The session ends Disabled even when the
// sink fails; the sink error is returned.
func (s *Session) Disable() (Outcome, error) {
	s.mu.Lock()
	if s.State() == StateDisabling {
		done := s.disabled
		s.mu.Unlock()
		s.waitDisabled(done)
		return OutcomeNoOp, nil
	}
	defer s.mu.Unlock()
	return s.disableLocked()
}

func (s *Session) disableLocked() (Outcome, error) {
	switch s.State() {
	case StateEnabled:
	case StateDeleted:
		return OutcomeNoOp, s.stateError("disable")
	default:
		return OutcomeNoOp, nil
	}

	start := time.Now()
	s.setState(StateDisabling)
	s.waitInflight()
	s.manager.FlushAll()

	filters := *s.filters.Load()
	for _, f := range s.cfg.Providers {
		s.enqueue(filters.lookup(f.Name), callback.KindDisable)
	}
	s.queue.Close()

	s.mu.Unlock()
	<-s.deliveryDone
	s.queue.Drain(s.deliver)
	s.mu.Lock()

	s.cancel()
	<-s.serializerDone

	s.writeMu.Lock()
	s.drainRetiredLocked()
	if s.cfg.Rundown && !s.faulted.Load() {
		if err := s.writer.WriteRundown(s.rundownDefinitions(filters)); err != nil {
			s.fault(err)
		}
	}
	dropped := s.manager.Dropped() + s.lost
	err := s.writer.Close(uint64(dropped))
	if err != nil {
		s.fault(err)
	}
	s.writeMu.Unlock()

	s.manager.Close()
	if s.metrics != nil {
		s.metrics.SetBufferMemory(s.name, 0, 0)
	}
	if s.archiver != nil {
		if aerr := s.archiver.Close(); aerr != nil {
			s.logger.Error("failed to close archiver", "error", aerr)
			if err == nil {
				err = aerr
			}
		}
	}
	s.setState(StateDisabled)
	close(s.disabled)

	ws := s.writer.Stats()
	s.logger.Info("session disabled",
		"events", ws.Events,
		"dropped", dropped,
		"bytes", ws.Bytes,
		"faulted", s.faulted.Load(),
		"duration", time.Since(start))

	if s.deletePending {
		s.setState(StateDeleted)
		s.logger.Info("session deleted")
	}
	return OutcomeApplied, err
}

// waitInflight waits for writers that passed the state check before the
// session left Enabled.
func (s *Session) waitInflight() {
	for i := 0; s.inflight.Load() > 0; i++ {
		if i < 100 {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func (s *Session) rundownDefinitions(filters filterSet) []*event.Definition {
	var defs []*event.Definition
	for _, def := range s.catalog.Definitions() {
		if _, ok := filters[def.ProviderID]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Delete disables an enabled session and marks it deleted. Deleting an
// uninitialized session closes its sink without writing to it. A Delete
// that arrives while a Disable is running waits for it, unless a provider
// callback is running; then the session is deleted when the Disable
// finishes.
func (s *Session) Delete() (Outcome, error) {
	s.mu.Lock()
	if s.State() == StateDisabling {
		if s.delivering.Load() > 0 {
			s.deletePending = true
			s.mu.Unlock()
			return OutcomeApplied, nil
		}
		done := s.disabled
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	var err error
	switch s.State() {
	case StateDeleted:
		return OutcomeNoOp, s.stateError("delete")
	case StateEnabled:
		_, err = s.disableLocked()
	case StateUninitialized:
		if s.sink != nil {
			if cerr := s.sink.Close(); cerr != nil {
				err = &errors.SinkError{Backend: backendName(s.sink), Operation: "close", Err: cerr}
			}
		}
		if s.archiver != nil {
			if aerr := s.archiver.Close(); aerr != nil {
				s.logger.Error("failed to close archiver", "error", aerr)
			}
		}
	}

	s.setState(StateDeleted)
	s.logger.Info("session deleted")
	return OutcomeApplied, err
}

func backendName(sk sink.Sink) string {
	if named, ok := sk.(sink.Named); ok {
		return named.Backend()
	}
	return "custom"
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{State: s.State(), Faulted: s.faulted.Load()}
	if s.manager != nil {
		st.Buffers = s.manager.Stats()
	}
	if s.writer != nil {
		st.Stream = s.writer.Stats()
	}
	if s.queue != nil {
		st.Callbacks = s.queue.Stats()
	}
	s.writeMu.Lock()
	st.Lost = s.lost
	s.writeMu.Unlock()
	return st
}

// SetMaxMemory changes the memory cap of an enabled session.
func (s *Session) SetMaxMemory(bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateEnabled {
		return s.stateError("set_max_memory")
	}
	s.manager.SetCap(bytes)
	s.cfg.MaxMemory = bytes
	return nil
}
