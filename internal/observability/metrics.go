package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sessionStates lists the label values of the session_state gauge.
var sessionStates = []string{"uninitialized", "enabled", "disabling", "disabled", "deleted"}

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Session metrics
	SessionState     *prometheus.GaugeVec
	EventsWritten    *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	BufferBytes      *prometheus.GaugeVec
	BuffersAllocated *prometheus.GaugeVec
	BuffersRetired   *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec

	// Stream metrics
	StreamBytes      *prometheus.CounterVec
	EventsSerialized *prometheus.CounterVec
	SequencePoints   *prometheus.CounterVec
	SinkErrors       *prometheus.CounterVec

	// Callback metrics
	CallbacksDelivered *prometheus.CounterVec
	CallbacksRejected  prometheus.Counter

	// Storage metrics
	ObjectsWritten *prometheus.CounterVec
	ObjectSize     *prometheus.HistogramVec
	UploadDuration *prometheus.HistogramVec
	StorageErrors  *prometheus.CounterVec

	// Archive metrics
	ArchiveFiles    *prometheus.CounterVec
	ArchiveFileSize *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventpipe_session_state",
				Help: "Current session state (1 for the active state, 0 otherwise)",
			},
			[]string{"session", "state"},
		),
		EventsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_events_written_total",
				Help: "Total number of events accepted into session buffers",
			},
			[]string{"session"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_events_dropped_total",
				Help: "Total number of events dropped for lack of buffer space",
			},
			[]string{"session"},
		),
		BufferBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventpipe_buffer_allocated_bytes",
				Help: "Bytes currently allocated to session buffers",
			},
			[]string{"session"},
		),
		BuffersAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventpipe_buffers_allocated",
				Help: "Number of session buffers currently allocated",
			},
			[]string{"session"},
		),
		BuffersRetired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_buffers_retired_total",
				Help: "Total number of buffers handed to the serializer",
			},
			[]string{"session"},
		),
		FlushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_flush_duration_seconds",
				Help:    "Duration of session flush passes",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"session"},
		),
		StreamBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_stream_bytes_total",
				Help: "Total number of stream bytes accepted by the sink",
			},
			[]string{"session"},
		),
		EventsSerialized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_events_serialized_total",
				Help: "Total number of events written to the stream",
			},
			[]string{"session"},
		),
		SequencePoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_sequence_points_total",
				Help: "Total number of sequence points written",
			},
			[]string{"session"},
		),
		SinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_sink_errors_total",
				Help: "Total number of sink failures that faulted a session",
			},
			[]string{"session", "backend"},
		),
		CallbacksDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_callbacks_delivered_total",
				Help: "Total number of provider callbacks delivered",
			},
			[]string{"kind"},
		),
		CallbacksRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eventpipe_callbacks_rejected_total",
				Help: "Total number of provider callbacks rejected by a full queue",
			},
		),
		ObjectsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_sink_objects_written_total",
				Help: "Total number of finished streams stored by sinks",
			},
			[]string{"backend", "status"},
		),
		ObjectSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_sink_object_size_bytes",
				Help:    "Size of stored streams and produced chunks",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
			},
			[]string{"backend"},
		),
		UploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_sink_upload_duration_seconds",
				Help:    "Duration of object uploads and chunk produces",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"backend"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),
		ArchiveFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_archive_files_total",
				Help: "Total number of archive files written",
			},
			[]string{"format", "status"},
		),
		ArchiveFileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_archive_file_size_bytes",
				Help:    "Size of archive files",
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to 128MB
			},
			[]string{"format"},
		),
	}
}

// SetSessionState marks state as the session's current state.
func (m *Metrics) SetSessionState(session string, state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(session, s).Set(v)
	}
}

// SetBufferMemory sets the buffer memory gauges.
func (m *Metrics) SetBufferMemory(session string, allocated int64, buffers int) {
	m.BufferBytes.WithLabelValues(session).Set(float64(allocated))
	m.BuffersAllocated.WithLabelValues(session).Set(float64(buffers))
}

// AddEventsWritten adds to the events written counter.
func (m *Metrics) AddEventsWritten(session string, n int64) {
	m.EventsWritten.WithLabelValues(session).Add(float64(n))
}

// AddEventsDropped adds to the events dropped counter.
func (m *Metrics) AddEventsDropped(session string, n int64) {
	m.EventsDropped.WithLabelValues(session).Add(float64(n))
}

// AddBuffersRetired adds to the buffers retired counter.
func (m *Metrics) AddBuffersRetired(session string, n int) {
	m.BuffersRetired.WithLabelValues(session).Add(float64(n))
}

// ObserveFlushDuration observes flush duration.
func (m *Metrics) ObserveFlushDuration(session string, seconds float64) {
	m.FlushDuration.WithLabelValues(session).Observe(seconds)
}

// AddStreamBytes adds to the stream bytes counter.
func (m *Metrics) AddStreamBytes(session string, n int64) {
	m.StreamBytes.WithLabelValues(session).Add(float64(n))
}

// AddEventsSerialized adds to the events serialized counter.
func (m *Metrics) AddEventsSerialized(session string, n int) {
	m.EventsSerialized.WithLabelValues(session).Add(float64(n))
}

// IncSequencePoints increments sequence points counter.
func (m *Metrics) IncSequencePoints(session string) {
	m.SequencePoints.WithLabelValues(session).Inc()
}

// IncSinkErrors increments sink errors counter.
func (m *Metrics) IncSinkErrors(session, backend string) {
	m.SinkErrors.WithLabelValues(session, backend).Inc()
}

// IncCallbacksDelivered increments callbacks delivered counter.
func (m *Metrics) IncCallbacksDelivered(kind string) {
	m.CallbacksDelivered.WithLabelValues(kind).Inc()
}

// IncCallbacksRejected increments callbacks rejected counter.
func (m *Metrics) IncCallbacksRejected() {
	m.CallbacksRejected.Inc()
}

// IncObjectsWritten increments objects written counter.
func (m *Metrics) IncObjectsWritten(backend string, status string) {
	m.ObjectsWritten.WithLabelValues(backend, status).Inc()
}

// ObserveObjectSize observes object size.
func (m *Metrics) ObserveObjectSize(backend string, size float64) {
	m.ObjectSize.WithLabelValues(backend).Observe(size)
}

// ObserveUploadDuration observes upload duration.
func (m *Metrics) ObserveUploadDuration(backend string, duration float64) {
	m.UploadDuration.WithLabelValues(backend).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

// IncArchiveFiles increments archive files counter.
func (m *Metrics) IncArchiveFiles(format string, status string) {
	m.ArchiveFiles.WithLabelValues(format, status).Inc()
}

// ObserveArchiveFileSize observes archive file size.
func (m *Metrics) ObserveArchiveFileSize(format string, size float64) {
	m.ArchiveFileSize.WithLabelValues(format).Observe(size)
}
