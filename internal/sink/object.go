package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jittakal/eventpipe/internal/errors"
	pkgsink "github.com/jittakal/eventpipe/pkg/sink"
)

var (
	_ pkgsink.Sink    = (*Object)(nil)
	_ pkgsink.Flusher = (*Object)(nil)
	_ pkgsink.Named   = (*Object)(nil)
)

// Uploader stores a finished stream object in a remote store.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	Backend() string
	Close() error
}

// ObjectConfig configures an object store sink.
type ObjectConfig struct {
	// Key is the object key the stream is uploaded to.
	Key         string
	Compression Compression
	// SpoolDir holds the local copy until upload. Empty means os.TempDir.
	SpoolDir      string
	UploadTimeout time.Duration
}

// Object spools a stream to a temporary file and uploads it on Close.
// Object stores have no append, so the object appears only once the
// stream is complete.
type Object struct {
	spool    *File
	uploader Uploader
	key      string
	timeout  time.Duration
	logger   *slog.Logger
	metrics  MetricsCollector
}

// NewObject creates an object sink that uploads through uploader.
func NewObject(cfg ObjectConfig, uploader Uploader, logger *slog.Logger, metrics MetricsCollector) (*Object, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("%s sink: object key is required", uploader.Backend())
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}

	f, err := os.CreateTemp(cfg.SpoolDir, uploader.Backend()+"-spool-*"+StreamExtension+cfg.Compression.Extension())
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	spool, err := newFile(f, cfg.Compression, uploader.Backend(), logger, metrics)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	logger.Info("object sink created",
		"backend", uploader.Backend(),
		"key", cfg.Key,
		"spool", f.Name(),
		"compression", string(cfg.Compression))

	return &Object{
		spool:    spool,
		uploader: uploader,
		key:      cfg.Key,
		timeout:  cfg.UploadTimeout,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

func (o *Object) Write(p []byte) (int, error) {
	return o.spool.Write(p)
}

// Flush flushes the local spool file.
func (o *Object) Flush() error {
	return o.spool.Flush()
}

// Close finishes the spool file, uploads it and removes it.
func (o *Object) Close() error {
	backend := o.uploader.Backend()
	defer func() {
		if err := o.uploader.Close(); err != nil {
			o.logger.Warn("failed to close uploader", "backend", backend, "error", err)
		}
	}()
	defer os.Remove(o.spool.Path())

	if err := o.spool.Close(); err != nil {
		return &errors.SinkError{Backend: backend, Operation: "close", Err: err}
	}

	f, err := os.Open(o.spool.Path())
	if err != nil {
		o.storageError("file_open")
		return &errors.SinkError{Backend: backend, Operation: "close", Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		o.storageError("file_open")
		return &errors.SinkError{Backend: backend, Operation: "close", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	start := time.Now()
	if err := o.uploader.Upload(ctx, o.key, f, info.Size()); err != nil {
		o.storageError("upload")
		if o.metrics != nil {
			o.metrics.IncObjectsWritten(backend, "failure")
		}
		return &errors.SinkError{Backend: backend, Operation: "upload", Err: err}
	}
	duration := time.Since(start)

	if o.metrics != nil {
		o.metrics.IncObjectsWritten(backend, "success")
		o.metrics.ObserveObjectSize(backend, float64(info.Size()))
		o.metrics.ObserveUploadDuration(backend, duration.Seconds())
	}
	o.logger.Info("uploaded stream",
		"backend", backend,
		"key", o.key,
		"size", info.Size(),
		"total_duration_ms", duration.Milliseconds())
	return nil
}

func (o *Object) storageError(op string) {
	if o.metrics != nil {
		o.metrics.IncStorageErrors(o.uploader.Backend(), op)
	}
}

// Backend returns the uploader's backend name.
func (o *Object) Backend() string { return o.uploader.Backend() }

// Key returns the object key.
func (o *Object) Key() string { return o.key }
