package archive

import (
	"fmt"
	"strings"
)

// ParseFormat parses an archive format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatParquet, FormatAvro:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported archive format: %s", s)
	}
}

// NewEncoder creates an encoder for format. An empty compression selects
// the format's default.
func NewEncoder(format Format, compression string) (Encoder, error) {
	if compression == "" {
		compression = DefaultCompression(format)
	}
	switch format {
	case FormatParquet:
		return NewParquetEncoder(compression), nil
	case FormatAvro:
		enc, err := NewAvroEncoder(compression)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", format)
	}
}

// SupportedCompressions returns supported compression codecs for a given format.
func SupportedCompressions(format Format) []string {
	switch format {
	case FormatParquet:
		return []string{"uncompressed", "snappy", "gzip", "lz4", "zstd"}
	case FormatAvro:
		return []string{"uncompressed", "deflate", "snappy"}
	default:
		return []string{}
	}
}

// DefaultCompression returns the default compression for a format.
func DefaultCompression(format Format) string {
	switch format {
	case FormatParquet:
		return "snappy"
	case FormatAvro:
		return "deflate"
	default:
		return "uncompressed"
	}
}
