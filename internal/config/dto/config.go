// Package dto holds the configuration file structures.
package dto

import (
	"fmt"
	"time"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Session       SessionConfig       `mapstructure:"session"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Load          LoadConfig          `mapstructure:"load"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// SessionConfig contains the settings of the tracing session
type SessionConfig struct {
	Name              string            `mapstructure:"name"`
	BufferSizeKB      int64             `mapstructure:"buffer_size_kb"`
	MaxMemoryMB       int64             `mapstructure:"max_memory_mb"`
	Policy            string            `mapstructure:"policy"`
	Providers         []ProviderConfig  `mapstructure:"providers"`
	Rundown           bool              `mapstructure:"rundown"`
	Stacks            bool              `mapstructure:"stacks"`
	MaxStackDepth     int               `mapstructure:"max_stack_depth"`
	SequencePoints    SequencePoints    `mapstructure:"sequence_points"`
	FlushIntervalMS   int               `mapstructure:"flush_interval_ms"`
	CallbackQueueSize int               `mapstructure:"callback_queue_size"`
	Attributes        map[string]string `mapstructure:"attributes"`
}

// ProviderConfig enables one provider
type ProviderConfig struct {
	Name string `mapstructure:"name"`
	// Keywords accepts decimal or 0x-prefixed hex. Zero enables all.
	Keywords  uint64            `mapstructure:"keywords"`
	Level     string            `mapstructure:"level"`
	Arguments map[string]string `mapstructure:"arguments"`
}

// SequencePoints contains sequence point thresholds
type SequencePoints struct {
	MaxBytes   int64 `mapstructure:"max_bytes"`
	MaxEvents  int   `mapstructure:"max_events"`
	IntervalMS int   `mapstructure:"interval_ms"`
}

// SinkConfig contains stream sink configuration
type SinkConfig struct {
	Backend              string          `mapstructure:"backend"`
	Compression          string          `mapstructure:"compression"`
	BasePath             string          `mapstructure:"base_path"`
	Sync                 bool            `mapstructure:"sync"`
	SpoolDir             string          `mapstructure:"spool_dir"`
	UploadTimeoutSeconds int             `mapstructure:"upload_timeout_seconds"`
	S3                   S3Config        `mapstructure:"s3"`
	GCS                  GCSConfig       `mapstructure:"gcs"`
	Azure                AzureConfig     `mapstructure:"azure"`
	Kafka                KafkaSinkConfig `mapstructure:"kafka"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	Endpoint    string `mapstructure:"endpoint"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket               string `mapstructure:"bucket"`
	ProjectID            string `mapstructure:"project_id"`
	Endpoint             string `mapstructure:"endpoint"`
	CredentialsFile      string `mapstructure:"credentials_file"`
	CredentialsJSON      string `mapstructure:"credentials_json"`
	UseDefaultCredential bool   `mapstructure:"use_default_credential"`
}

// KafkaSinkConfig contains Kafka streaming sink configuration
type KafkaSinkConfig struct {
	BootstrapServers      []string `mapstructure:"bootstrap_servers"`
	Topic                 string   `mapstructure:"topic"`
	ChunkSizeKB           int      `mapstructure:"chunk_size_kb"`
	Compression           string   `mapstructure:"compression"`
	SecurityProtocol      string   `mapstructure:"security_protocol"`
	SASLMechanism         string   `mapstructure:"sasl_mechanism"`
	SASLUsername          string   `mapstructure:"sasl_username"`
	SASLPassword          string   `mapstructure:"sasl_password"`
	AWSRegion             string   `mapstructure:"aws_region"`
	TLSInsecureSkipVerify bool     `mapstructure:"tls_insecure_skip_verify"`
}

// ArchiveConfig contains columnar archive settings
type ArchiveConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Format      string         `mapstructure:"format"`
	Compression string         `mapstructure:"compression"`
	Dir         string         `mapstructure:"dir"`
	Rotation    RotationConfig `mapstructure:"rotation"`
}

// RotationConfig contains archive file rotation settings
type RotationConfig struct {
	MaxFileSizeMB      int64 `mapstructure:"max_file_size_mb"`
	MaxRecordsPerFile  int   `mapstructure:"max_records_per_file"`
	MaxDurationSeconds int   `mapstructure:"max_duration_seconds"`
}

// LoadConfig contains the built-in load generator settings
type LoadConfig struct {
	Threads           int    `mapstructure:"threads"`
	EventsPerThread   int    `mapstructure:"events_per_thread"`
	PayloadSize       int    `mapstructure:"payload_size"`
	ShortLivedThreads int    `mapstructure:"short_lived_threads"`
	Provider          string `mapstructure:"provider"`
	// DurationSeconds stops the run after the load finishes and this
	// long has passed. Zero waits for a signal.
	DurationSeconds int `mapstructure:"duration_seconds"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddSource bool   `mapstructure:"add_source"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds  int `mapstructure:"grace_period_seconds"`
	ForceTimeoutSeconds int `mapstructure:"force_timeout_seconds"`
}

// GracePeriod returns the grace period as a duration.
func (c ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// ForceTimeout returns the force timeout as a duration.
func (c ShutdownConfig) ForceTimeout() time.Duration {
	return time.Duration(c.ForceTimeoutSeconds) * time.Second
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if c.Session.Name == "" {
		return fmt.Errorf("session name is required")
	}
	if len(c.Session.Providers) == 0 {
		return fmt.Errorf("at least one session provider is required")
	}
	if c.Sink.Backend == "" {
		return fmt.Errorf("sink backend is required")
	}
	return nil
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// Validate validates Kafka sink configuration.
func (c *KafkaSinkConfig) Validate() error {
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	return nil
}
