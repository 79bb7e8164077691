package sink

import (
	"bytes"
	"sync"

	"github.com/jittakal/eventpipe/internal/errors"
	pkgsink "github.com/jittakal/eventpipe/pkg/sink"
)

var (
	_ pkgsink.Sink  = (*Memory)(nil)
	_ pkgsink.Named = (*Memory)(nil)
)

// Memory keeps the stream in memory.
type Memory struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

// NewMemory creates an empty memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.ErrSinkClosed
	}
	return m.buf.Write(p)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Backend returns "memory".
func (m *Memory) Backend() string { return BackendMemory }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.buf.Bytes())
}

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
