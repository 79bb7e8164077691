// Package sink defines the append-only byte sink a trace stream is
// written to.
//
// A sink receives the serialized stream in order and is closed exactly
// once when the session is disabled. Implementations include local files,
// in-memory buffers, object stores and Kafka topics.
package sink

// Sink is an append-only byte sink. Only the stream serializer writes to a
// sink, so implementations need not be safe for concurrent use.
type Sink interface {
	// Write appends p. A short write must return a non-nil error.
	Write(p []byte) (int, error)

	// Close finalizes the sink. After a failed Close the data already
	// accepted may or may not be durable.
	Close() error
}

// Flusher is implemented by sinks that buffer internally and can push
// accepted bytes further on demand.
type Flusher interface {
	Flush() error
}

// Named is implemented by sinks that report their backend name.
type Named interface {
	Backend() string
}
