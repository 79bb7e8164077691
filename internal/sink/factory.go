package sink

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	pkgsink "github.com/jittakal/eventpipe/pkg/sink"
)

// Config selects and configures the sink a session streams to.
type Config struct {
	Backend     string
	Compression Compression
	// BasePath is the directory for file streams and the key prefix for
	// object streams.
	BasePath      string
	Sync          bool
	SpoolDir      string
	UploadTimeout time.Duration

	S3    S3Config
	GCS   GCSConfig
	Azure AzureConfig
	Kafka KafkaConfig
}

// Target identifies the stream a sink is created for.
type Target struct {
	Session   string
	SessionID string
	Start     time.Time
}

// New creates the sink configured by cfg for target.
func New(ctx context.Context, cfg Config, target Target, logger *slog.Logger, metrics MetricsCollector) (pkgsink.Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendFile:
		key := NewRouter("file", "", "").Key(target.Session, target.SessionID, target.Start, cfg.Compression)
		f, err := NewFile(FileConfig{
			Path:        filepath.Join(cfg.BasePath, filepath.FromSlash(key)),
			Compression: cfg.Compression,
			Sync:        cfg.Sync,
		}, logger, metrics)
		if err != nil {
			return nil, err
		}
		return f, nil

	case BackendMemory:
		return NewMemory(), nil

	case BackendS3:
		uploader, err := NewS3Uploader(ctx, cfg.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 uploader: %w", err)
		}
		return newObjectSink(cfg, NewRouter("s3", cfg.S3.Bucket, cfg.BasePath), target, uploader, logger, metrics)

	case BackendGCS:
		uploader, err := NewGCSUploader(ctx, cfg.GCS, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcs uploader: %w", err)
		}
		return newObjectSink(cfg, NewRouter("gs", cfg.GCS.Bucket, cfg.BasePath), target, uploader, logger, metrics)

	case BackendAzure:
		uploader, err := NewAzureUploader(cfg.Azure, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure uploader: %w", err)
		}
		return newObjectSink(cfg, NewRouter("azure", cfg.Azure.ContainerName, cfg.BasePath), target, uploader, logger, metrics)

	case BackendKafka:
		kcfg := cfg.Kafka
		if kcfg.Key == "" {
			kcfg.Key = target.SessionID
		}
		k, err := NewKafka(kcfg, logger, metrics)
		if err != nil {
			return nil, err
		}
		return k, nil

	default:
		return nil, fmt.Errorf("unsupported sink backend: %s", cfg.Backend)
	}
}

func newObjectSink(cfg Config, router *Router, target Target, uploader Uploader, logger *slog.Logger, metrics MetricsCollector) (pkgsink.Sink, error) {
	key := router.Key(target.Session, target.SessionID, target.Start, cfg.Compression)
	obj, err := NewObject(ObjectConfig{
		Key:           key,
		Compression:   cfg.Compression,
		SpoolDir:      cfg.SpoolDir,
		UploadTimeout: cfg.UploadTimeout,
	}, uploader, logger, metrics)
	if err != nil {
		uploader.Close()
		return nil, err
	}
	logger.Info("stream destination", "uri", router.URI(key))
	return obj, nil
}
