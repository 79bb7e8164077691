// Package config loads the eventpipe configuration from a YAML file and
// EVENTPIPE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/eventpipe/internal/archive"
	"github.com/jittakal/eventpipe/internal/buffer"
	"github.com/jittakal/eventpipe/internal/config/dto"
	"github.com/jittakal/eventpipe/internal/observability"
	"github.com/jittakal/eventpipe/internal/sink"
	"github.com/jittakal/eventpipe/pkg/event"
)

// EnvPrefix prefixes every environment override, e.g.
// EVENTPIPE_SINK_BACKEND=s3.
const EnvPrefix = "EVENTPIPE"

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper exposes the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only expand values that contain a ${...} reference.
	for _, key := range l.v.AllKeys() {
		value := l.v.Get(key)
		if s, ok := value.(string); ok && strings.Contains(s, "${") {
			l.v.Set(key, os.ExpandEnv(s))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "eventpipe")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Session defaults
	l.v.SetDefault("session.name", "default")
	l.v.SetDefault("session.buffer_size_kb", 64)
	l.v.SetDefault("session.max_memory_mb", 16)
	l.v.SetDefault("session.policy", "drop_newest")
	l.v.SetDefault("session.rundown", true)
	l.v.SetDefault("session.stacks", false)
	l.v.SetDefault("session.max_stack_depth", 32)
	l.v.SetDefault("session.sequence_points.max_bytes", 1024*1024)
	l.v.SetDefault("session.sequence_points.max_events", 10000)
	l.v.SetDefault("session.sequence_points.interval_ms", 1000)
	l.v.SetDefault("session.flush_interval_ms", 1000)
	l.v.SetDefault("session.callback_queue_size", 256)

	// Sink defaults
	l.v.SetDefault("sink.backend", "file")
	l.v.SetDefault("sink.compression", "none")
	l.v.SetDefault("sink.base_path", "./traces")
	l.v.SetDefault("sink.upload_timeout_seconds", 300)
	l.v.SetDefault("sink.s3.use_path_style", false)
	l.v.SetDefault("sink.s3.sse_enabled", true)
	l.v.SetDefault("sink.kafka.chunk_size_kb", 512)
	l.v.SetDefault("sink.kafka.compression", "none")
	l.v.SetDefault("sink.kafka.security_protocol", "PLAINTEXT")

	// Archive defaults
	l.v.SetDefault("archive.enabled", false)
	l.v.SetDefault("archive.format", "parquet")
	l.v.SetDefault("archive.dir", "./archive")
	l.v.SetDefault("archive.rotation.max_file_size_mb", 128)
	l.v.SetDefault("archive.rotation.max_records_per_file", 100000)
	l.v.SetDefault("archive.rotation.max_duration_seconds", 300)

	// Load generator defaults
	l.v.SetDefault("load.threads", 8)
	l.v.SetDefault("load.events_per_thread", 1000)
	l.v.SetDefault("load.payload_size", 50)
	l.v.SetDefault("load.short_lived_threads", 0)
	l.v.SetDefault("load.provider", "EventPipe.Load")
	l.v.SetDefault("load.duration_seconds", 0)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 5)
	l.v.SetDefault("shutdown.force_timeout_seconds", 60)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	// Session validation
	if _, err := buffer.ParsePolicy(config.Session.Policy); err != nil {
		return fmt.Errorf("session.policy: %w", err)
	}
	for i, p := range config.Session.Providers {
		if p.Name == "" {
			return fmt.Errorf("session.providers[%d].name is required", i)
		}
		if _, err := event.ParseLevel(p.Level); err != nil {
			return fmt.Errorf("session.providers[%d].level: %w", i, err)
		}
	}

	// Sink validation
	if _, err := sink.ParseCompression(config.Sink.Compression); err != nil {
		return fmt.Errorf("sink.compression: %w", err)
	}
	switch config.Sink.Backend {
	case sink.BackendFile:
		if config.Sink.BasePath == "" {
			return errors.New("sink.base_path is required for file backend")
		}
	case sink.BackendMemory:
	case sink.BackendS3:
		if err := config.Sink.S3.Validate(); err != nil {
			return fmt.Errorf("sink.s3: %w", err)
		}
	case sink.BackendGCS:
		if err := config.Sink.GCS.Validate(); err != nil {
			return fmt.Errorf("sink.gcs: %w", err)
		}
	case sink.BackendAzure:
		if err := config.Sink.Azure.Validate(); err != nil {
			return fmt.Errorf("sink.azure: %w", err)
		}
	case sink.BackendKafka:
		if err := config.Sink.Kafka.Validate(); err != nil {
			return fmt.Errorf("sink.kafka: %w", err)
		}
	default:
		return fmt.Errorf("unsupported sink backend: %s", config.Sink.Backend)
	}

	// Archive validation
	if config.Archive.Enabled {
		format, err := archive.ParseFormat(config.Archive.Format)
		if err != nil {
			return fmt.Errorf("archive.format: %w", err)
		}
		if _, err := archive.NewEncoder(format, config.Archive.Compression); err != nil {
			return fmt.Errorf("archive.compression: %w", err)
		}
		if config.Archive.Dir == "" {
			return errors.New("archive.dir is required when the archive is enabled")
		}
	}

	// Load validation
	if config.Load.Threads < 0 || config.Load.EventsPerThread < 0 || config.Load.PayloadSize < 0 || config.Load.ShortLivedThreads < 0 {
		return errors.New("load settings must not be negative")
	}

	// Logging validation
	if _, ok := observability.ParseLevel(config.Observability.Logging.Level); !ok {
		return fmt.Errorf("unsupported log level: %s", config.Observability.Logging.Level)
	}

	// Port validation
	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}
