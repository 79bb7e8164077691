package archive

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgbuffer "github.com/jittakal/eventpipe/pkg/buffer"
	"github.com/jittakal/eventpipe/pkg/event"
)

// Format is an archive file format.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatAvro    Format = "avro"
)

// Record is one archived event with its names resolved.
type Record struct {
	Session        string
	ThreadID       uint64
	BufferSequence uint64
	Sequence       uint32
	Timestamp      uint64
	ProviderID     uint32
	ProviderName   string
	EventID        uint32
	EventName      string
	Version        uint32
	Level          event.Level
	Keywords       uint64
	Payload        []byte
	Stack          []uint64
}

// FileStats describes a written archive file.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// Encoder encodes records to a specific file format.
type Encoder interface {
	// Encode writes records to a file and returns file statistics.
	Encode(filePath string, records []Record) (*FileStats, error)

	// Format returns the file format this encoder produces.
	Format() Format

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}

// Resolver maps a definition key to its full definition.
type Resolver interface {
	Resolve(key event.DefinitionKey) (*event.Definition, bool)
}

// MetricsCollector defines metrics operations for the archive.
type MetricsCollector interface {
	IncArchiveFiles(format string, status string)
	ObserveArchiveFileSize(format string, size float64)
}

// Config configures an Archiver.
type Config struct {
	Dir      string
	Session  string
	Rotation PolicyConfig
}

// Archiver accumulates the events of retired buffers and writes them to
// rotated archive files.
type Archiver struct {
	mu       sync.Mutex
	cfg      Config
	dir      string
	encoder  Encoder
	policy   *CompositePolicy
	resolver Resolver
	logger   *slog.Logger
	metrics  MetricsCollector
	now      func() time.Time

	pending  []Record
	stats    FileStats
	firstSeq uint64
	lastSeq  uint64
	files    []string
	closed   bool
}

// New creates an archiver writing below cfg.Dir.
func New(cfg Config, enc Encoder, resolver Resolver, logger *slog.Logger, metrics MetricsCollector) (*Archiver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if enc == nil {
		return nil, fmt.Errorf("archive encoder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(cfg.Dir, "session="+sanitize(cfg.Session))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	logger.Info("archive enabled",
		"dir", dir,
		"format", string(enc.Format()),
		"max_records", cfg.Rotation.MaxRecordsPerFile,
		"max_size_mb", cfg.Rotation.MaxFileSizeMB)

	return &Archiver{
		cfg:      cfg,
		dir:      dir,
		encoder:  enc,
		policy:   NewPolicy(cfg.Rotation),
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Archive copies the events of b and rotates the current file if the
// rotation policy says so.
func (a *Archiver) Archive(b pkgbuffer.Retired) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("archive closed")
	}

	seq := b.Sequence()
	err := b.Each(func(e *event.Instance) error {
		a.pending = append(a.pending, a.record(b.Thread(), seq, e))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read buffer %d: %w", seq, err)
	}

	now := a.now()
	if a.stats.RecordCount == 0 {
		a.firstSeq = seq
		a.stats.FirstWriteTime = now
	}
	a.lastSeq = seq
	a.stats.RecordCount = len(a.pending)
	a.stats.SizeBytes += b.Stats().SizeBytes
	a.stats.LastWriteTime = now

	if a.policy.ShouldRotate(a.stats, now) {
		return a.rotateLocked()
	}
	return nil
}

func (a *Archiver) record(tid event.ThreadID, seq uint64, e *event.Instance) Record {
	r := Record{
		Session:        a.cfg.Session,
		ThreadID:       uint64(tid),
		BufferSequence: seq,
		Sequence:       e.Sequence,
		Timestamp:      e.Timestamp,
		ProviderID:     e.ProviderID,
		EventID:        e.EventID,
		Version:        e.Version,
		Level:          e.Level,
		Keywords:       uint64(e.Keywords),
		Payload:        append([]byte(nil), e.Payload...),
	}
	if len(e.Stack) > 0 {
		r.Stack = append([]uint64(nil), e.Stack...)
	}
	if a.resolver != nil {
		if def, ok := a.resolver.Resolve(e.Key()); ok {
			r.ProviderName = def.ProviderName
			r.EventName = def.Name
		}
	}
	return r
}

// rotateLocked writes the pending records to a new file. The pending
// records are discarded even when the write fails.
func (a *Archiver) rotateLocked() error {
	if len(a.pending) == 0 {
		return nil
	}
	records := a.pending
	name := fmt.Sprintf("events_%010d_%010d%s", a.firstSeq, a.lastSeq, a.encoder.FileExtension())
	path := filepath.Join(a.dir, name)

	a.pending = nil
	a.stats = FileStats{}

	format := string(a.encoder.Format())
	stats, err := a.encoder.Encode(path, records)
	if err != nil {
		if a.metrics != nil {
			a.metrics.IncArchiveFiles(format, "failure")
		}
		os.Remove(path)
		return fmt.Errorf("failed to write archive file %s: %w", name, err)
	}

	a.files = append(a.files, path)
	if a.metrics != nil {
		a.metrics.IncArchiveFiles(format, "success")
		a.metrics.ObserveArchiveFileSize(format, float64(stats.SizeBytes))
	}
	a.logger.Info("archive file written",
		"path", path,
		"records", stats.RecordCount,
		"size_bytes", stats.SizeBytes)
	return nil
}

// Rotate writes the pending records to a file now.
func (a *Archiver) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotateLocked()
}

// Close writes any pending records. Later calls are no-ops.
func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.rotateLocked()
}

// Files returns the paths of the files written so far.
func (a *Archiver) Files() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.files...)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '=':
			return '_'
		}
		return r
	}, s)
}
