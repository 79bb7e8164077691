package config

import (
	"fmt"
	"time"

	"github.com/jittakal/eventpipe/internal/archive"
	"github.com/jittakal/eventpipe/internal/buffer"
	"github.com/jittakal/eventpipe/internal/config/dto"
	"github.com/jittakal/eventpipe/internal/observability"
	"github.com/jittakal/eventpipe/internal/session"
	"github.com/jittakal/eventpipe/internal/sink"
	"github.com/jittakal/eventpipe/internal/stream"
	"github.com/jittakal/eventpipe/pkg/event"
)

// SessionConfig converts the session section to a session.Config.
func SessionConfig(c dto.SessionConfig) (session.Config, error) {
	policy, err := buffer.ParsePolicy(c.Policy)
	if err != nil {
		return session.Config{}, err
	}

	providers := make([]session.ProviderFilter, 0, len(c.Providers))
	for i, p := range c.Providers {
		level, err := event.ParseLevel(p.Level)
		if err != nil {
			return session.Config{}, fmt.Errorf("providers[%d]: %w", i, err)
		}
		providers = append(providers, session.ProviderFilter{
			Name:      p.Name,
			Keywords:  event.Keywords(p.Keywords),
			Level:     level,
			Arguments: p.Arguments,
		})
	}

	return session.Config{
		BufferSize: c.BufferSizeKB * 1024,
		MaxMemory:  c.MaxMemoryMB * 1024 * 1024,
		Policy:     policy,
		Providers:  providers,
		Rundown:    c.Rundown,
		Stacks:     c.Stacks,
		// MaxStackDepth is only consulted when Stacks is set.
		MaxStackDepth: c.MaxStackDepth,
		SequencePoints: stream.PolicyConfig{
			MaxBytes:  c.SequencePoints.MaxBytes,
			MaxEvents: c.SequencePoints.MaxEvents,
			Interval:  time.Duration(c.SequencePoints.IntervalMS) * time.Millisecond,
		},
		FlushInterval:     time.Duration(c.FlushIntervalMS) * time.Millisecond,
		CallbackQueueSize: c.CallbackQueueSize,
		Attributes:        c.Attributes,
	}, nil
}

// SinkConfig converts the sink section to a sink.Config.
func SinkConfig(c dto.SinkConfig) (sink.Config, error) {
	compression, err := sink.ParseCompression(c.Compression)
	if err != nil {
		return sink.Config{}, err
	}
	return sink.Config{
		Backend:       c.Backend,
		Compression:   compression,
		BasePath:      c.BasePath,
		Sync:          c.Sync,
		SpoolDir:      c.SpoolDir,
		UploadTimeout: time.Duration(c.UploadTimeoutSeconds) * time.Second,
		S3: sink.S3Config{
			Bucket:       c.S3.Bucket,
			Region:       c.S3.Region,
			Endpoint:     c.S3.Endpoint,
			UsePathStyle: c.S3.UsePathStyle,
			SSEEnabled:   c.S3.SSEEnabled,
			SSEKMSKeyID:  c.S3.SSEKMSKeyID,
		},
		GCS: sink.GCSConfig{
			Bucket:               c.GCS.Bucket,
			ProjectID:            c.GCS.ProjectID,
			Endpoint:             c.GCS.Endpoint,
			CredentialsFile:      c.GCS.CredentialsFile,
			CredentialsJSON:      c.GCS.CredentialsJSON,
			UseDefaultCredential: c.GCS.UseDefaultCredential,
		},
		Azure: sink.AzureConfig{
			AccountName:   c.Azure.AccountName,
			AccountKey:    c.Azure.AccountKey,
			ContainerName: c.Azure.Container,
			Endpoint:      c.Azure.Endpoint,
		},
		Kafka: sink.KafkaConfig{
			BootstrapServers: c.Kafka.BootstrapServers,
			Topic:            c.Kafka.Topic,
			ChunkSize:        c.Kafka.ChunkSizeKB * 1024,
			Compression:      c.Kafka.Compression,
			Security: sink.SecurityConfig{
				Protocol:              c.Kafka.SecurityProtocol,
				Mechanism:             c.Kafka.SASLMechanism,
				Username:              c.Kafka.SASLUsername,
				Password:              c.Kafka.SASLPassword,
				AWSRegion:             c.Kafka.AWSRegion,
				TLSInsecureSkipVerify: c.Kafka.TLSInsecureSkipVerify,
			},
		},
	}, nil
}

// ArchiveConfig converts the archive section to an archive.Config and its
// encoder. The session name is filled in by the caller.
func ArchiveConfig(c dto.ArchiveConfig) (archive.Config, archive.Encoder, error) {
	format, err := archive.ParseFormat(c.Format)
	if err != nil {
		return archive.Config{}, nil, err
	}
	enc, err := archive.NewEncoder(format, c.Compression)
	if err != nil {
		return archive.Config{}, nil, err
	}
	return archive.Config{
		Dir: c.Dir,
		Rotation: archive.PolicyConfig{
			MaxFileSizeMB:     c.Rotation.MaxFileSizeMB,
			MaxRecordsPerFile: c.Rotation.MaxRecordsPerFile,
			MaxDuration:       time.Duration(c.Rotation.MaxDurationSeconds) * time.Second,
		},
	}, enc, nil
}

// LoggingConfig converts the logging section.
func LoggingConfig(c dto.LoggingConfig) observability.LoggingConfig {
	return observability.LoggingConfig{
		Level:     c.Level,
		Format:    c.Format,
		Output:    c.Output,
		AddSource: c.AddSource,
	}
}
