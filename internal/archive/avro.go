package archive

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/linkedin/goavro/v2"
)

// Ensure implementation satisfies interface at compile time.
var _ Encoder = (*AvroEncoder)(nil)

// AvroEncoder implements Encoder for Avro object container files, readable
// by Spark and other Avro readers. Blocks are compressed inside the
// container with deflate or snappy.
type AvroEncoder struct {
	codec       *goavro.Codec
	compression string
}

// NewAvroEncoder creates a new Avro encoder with specified compression.
func NewAvroEncoder(compression string) (*AvroEncoder, error) {
	name, err := avroCompression(compression)
	if err != nil {
		return nil, err
	}
	codec, err := goavro.NewCodec(avroSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}
	return &AvroEncoder{codec: codec, compression: name}, nil
}

func avroCompression(compression string) (string, error) {
	switch compression {
	case "", "none", "NONE", "uncompressed", "UNCOMPRESSED", "null":
		return goavro.CompressionNullLabel, nil
	case "deflate", "DEFLATE", "gzip", "GZIP":
		return goavro.CompressionDeflateLabel, nil
	case "snappy", "SNAPPY":
		return goavro.CompressionSnappyLabel, nil
	default:
		return "", fmt.Errorf("unsupported avro compression: %s", compression)
	}
}

// avroSchema returns the Avro schema for archived events.
func avroSchema() string {
	return `{
		"type": "record",
		"name": "Event",
		"namespace": "com.eventpipe.archive",
		"fields": [
			{"name": "session", "type": "string"},
			{"name": "thread_id", "type": "long"},
			{"name": "buffer_sequence", "type": "long"},
			{"name": "sequence", "type": "int"},
			{"name": "timestamp", "type": "long"},
			{"name": "provider_id", "type": "int"},
			{"name": "provider_name", "type": "string"},
			{"name": "event_id", "type": "int"},
			{"name": "event_name", "type": "string"},
			{"name": "version", "type": "int"},
			{"name": "level", "type": "int"},
			{"name": "keywords", "type": "long"},
			{"name": "payload", "type": "bytes"},
			{"name": "stack", "type": {"type": "array", "items": "long"}, "default": []}
		]
	}`
}

// Encode writes records to an Avro file.
func (e *AvroEncoder) Encode(filePath string, records []Record) (*FileStats, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.compression,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCF writer: %w", err)
	}

	data := make([]interface{}, len(records))
	for i := range records {
		data[i] = toAvroMap(&records[i])
	}
	if err := ocfWriter.Append(data); err != nil {
		return nil, fmt.Errorf("failed to write records: %w", err)
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	now := time.Now()
	return &FileStats{
		RecordCount:    len(records),
		SizeBytes:      fileInfo.Size(),
		FirstWriteTime: now,
		LastWriteTime:  now,
	}, nil
}

func toAvroMap(r *Record) map[string]interface{} {
	stack := make([]interface{}, len(r.Stack))
	for i, ip := range r.Stack {
		stack[i] = int64(ip)
	}
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	return map[string]interface{}{
		"session":         r.Session,
		"thread_id":       int64(r.ThreadID),
		"buffer_sequence": int64(r.BufferSequence),
		"sequence":        int32(r.Sequence),
		"timestamp":       int64(r.Timestamp),
		"provider_id":     int32(r.ProviderID),
		"provider_name":   r.ProviderName,
		"event_id":        int32(r.EventID),
		"event_name":      r.EventName,
		"version":         int32(r.Version),
		"level":           int32(r.Level),
		"keywords":        int64(r.Keywords),
		"payload":         payload,
		"stack":           stack,
	}
}

// Format returns the file format.
func (e *AvroEncoder) Format() Format {
	return FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	return ".avro"
}
