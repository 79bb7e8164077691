package archive

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Ensure implementation satisfies interface at compile time.
var _ Encoder = (*ParquetEncoder)(nil)

// EventParquet is the Parquet schema of an archived event. Unsigned
// values are stored in signed columns of the same width.
type EventParquet struct {
	Session        string  `parquet:"session,dict"`
	ThreadID       int64   `parquet:"thread_id"`
	BufferSequence int64   `parquet:"buffer_sequence"`
	Sequence       int32   `parquet:"sequence"`
	Timestamp      int64   `parquet:"timestamp"`
	ProviderID     int32   `parquet:"provider_id"`
	ProviderName   string  `parquet:"provider_name,dict"`
	EventID        int32   `parquet:"event_id"`
	EventName      string  `parquet:"event_name,dict"`
	Version        int32   `parquet:"version"`
	Level          int32   `parquet:"level"`
	Keywords       int64   `parquet:"keywords"`
	Payload        []byte  `parquet:"payload"`
	Stack          []int64 `parquet:"stack"`
}

// ParquetEncoder implements Encoder for Apache Parquet columnar format.
// Supports SNAPPY (default), GZIP, LZ4, ZSTD and uncompressed pages.
type ParquetEncoder struct {
	compressionName string
}

// NewParquetEncoder creates a new Parquet encoder with specified compression.
func NewParquetEncoder(compression string) *ParquetEncoder {
	return &ParquetEncoder{compressionName: compression}
}

// compressionCodec converts string compression name to parquet WriterOption.
func compressionCodec(compression string) parquet.WriterOption {
	switch compression {
	case "snappy", "SNAPPY":
		return parquet.Compression(&parquet.Snappy)
	case "gzip", "GZIP":
		return parquet.Compression(&parquet.Gzip)
	case "lz4", "LZ4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "zstd", "ZSTD":
		return parquet.Compression(&parquet.Zstd)
	case "uncompressed", "UNCOMPRESSED", "none", "NONE":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// Encode writes records to a Parquet file.
func (e *ParquetEncoder) Encode(filePath string, records []Record) (*FileStats, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	rows := make([]EventParquet, len(records))
	for i := range records {
		rows[i] = toParquet(&records[i])
	}

	writer := parquet.NewGenericWriter[EventParquet](
		file,
		compressionCodec(e.compressionName),
		parquet.CreatedBy("eventpipe", "1.0", "0"),
	)
	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		file.Close()
		return nil, fmt.Errorf("failed to write records: %w", err)
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to close writer: %w", err)
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

func toParquet(r *Record) EventParquet {
	row := EventParquet{
		Session:        r.Session,
		ThreadID:       int64(r.ThreadID),
		BufferSequence: int64(r.BufferSequence),
		Sequence:       int32(r.Sequence),
		Timestamp:      int64(r.Timestamp),
		ProviderID:     int32(r.ProviderID),
		ProviderName:   r.ProviderName,
		EventID:        int32(r.EventID),
		EventName:      r.EventName,
		Version:        int32(r.Version),
		Level:          int32(r.Level),
		Keywords:       int64(r.Keywords),
		Payload:        r.Payload,
	}
	if len(r.Stack) > 0 {
		row.Stack = make([]int64, len(r.Stack))
		for i, ip := range r.Stack {
			row.Stack[i] = int64(ip)
		}
	}
	return row
}

// Format returns the file format.
func (e *ParquetEncoder) Format() Format {
	return FormatParquet
}

// FileExtension returns the file extension.
func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}
