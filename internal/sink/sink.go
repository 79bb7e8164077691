// Package sink implements the stream sinks: local files, memory, object
// stores and Kafka.
package sink

import (
	"fmt"
	"strings"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
	BackendKafka  = "kafka"
)

// MetricsCollector defines metrics operations for sinks.
type MetricsCollector interface {
	IncObjectsWritten(backend string, status string)
	ObserveObjectSize(backend string, size float64)
	ObserveUploadDuration(backend string, duration float64)
	IncStorageErrors(backend string, operation string)
}

// Compression is the compression applied to a stream before it is stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported compression: %s", s)
	}
}

// Extension returns the file name suffix for c.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// StreamExtension is the file extension of an uncompressed stream.
const StreamExtension = ".evp"
