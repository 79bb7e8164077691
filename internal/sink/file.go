package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jittakal/eventpipe/internal/errors"
	pkgsink "github.com/jittakal/eventpipe/pkg/sink"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ pkgsink.Sink    = (*File)(nil)
	_ pkgsink.Flusher = (*File)(nil)
	_ pkgsink.Named   = (*File)(nil)
)

// FileConfig contains local filesystem sink configuration.
type FileConfig struct {
	Path        string
	Compression Compression
	// Sync fsyncs the file on every Flush.
	Sync bool
}

// File writes a stream to a local file, optionally compressed.
type File struct {
	mu          sync.Mutex
	file        *os.File
	w           compressor
	path        string
	compression Compression
	sync        bool
	written     int64
	opened      time.Time
	closed      bool
	backend     string
	logger      *slog.Logger
	metrics     MetricsCollector
}

// NewFile creates the file at cfg.Path, creating parent directories.
func NewFile(cfg FileConfig, logger *slog.Logger, metrics MetricsCollector) (*File, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file sink: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream file: %w", err)
	}

	fs, err := newFile(f, cfg.Compression, BackendFile, logger, metrics)
	if err != nil {
		f.Close()
		os.Remove(cfg.Path)
		return nil, err
	}
	fs.sync = cfg.Sync

	fs.logger.Info("file sink created",
		"path", cfg.Path,
		"compression", string(cfg.Compression))
	return fs, nil
}

func newFile(f *os.File, c Compression, backend string, logger *slog.Logger, metrics MetricsCollector) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := newCompressor(f, c)
	if err != nil {
		return nil, err
	}
	return &File{
		file:        f,
		w:           w,
		path:        f.Name(),
		compression: c,
		opened:      time.Now(),
		backend:     backend,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Write appends p to the file.
func (s *File) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrSinkClosed
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		s.storageError("write")
		return n, fmt.Errorf("failed to write stream file: %w", err)
	}
	return n, nil
}

// Flush completes the current compression frame and, if configured,
// syncs the file.
func (s *File) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrSinkClosed
	}
	if err := s.w.Flush(); err != nil {
		s.storageError("flush")
		return fmt.Errorf("failed to flush stream file: %w", err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			s.storageError("sync")
			return fmt.Errorf("failed to sync stream file: %w", err)
		}
	}
	return nil
}

// Close finishes compression and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	cerr := s.w.Close()
	if err := s.file.Close(); err != nil && cerr == nil {
		cerr = err
	}
	if cerr != nil {
		s.storageError("close")
		return fmt.Errorf("failed to close stream file: %w", cerr)
	}

	size := int64(0)
	if info, err := os.Stat(s.path); err == nil {
		size = info.Size()
	}
	if s.metrics != nil && s.backend == BackendFile {
		s.metrics.IncObjectsWritten(s.backend, "success")
		s.metrics.ObserveObjectSize(s.backend, float64(size))
	}
	s.logger.Debug("stream file closed",
		"path", s.path,
		"stream_bytes", s.written,
		"file_size", size,
		"duration_ms", time.Since(s.opened).Milliseconds())
	return nil
}

func (s *File) storageError(op string) {
	if s.metrics != nil {
		s.metrics.IncStorageErrors(s.backend, op)
	}
}

// Backend returns "file".
func (s *File) Backend() string { return s.backend }

// Path returns the path of the stream file.
func (s *File) Path() string { return s.path }

// Written returns the number of uncompressed stream bytes accepted.
func (s *File) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
