package sink

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressor is a streaming compressor that can flush a complete frame.
type compressor interface {
	io.WriteCloser
	Flush() error
}

type nopCompressor struct {
	io.Writer
}

func (nopCompressor) Flush() error { return nil }
func (nopCompressor) Close() error { return nil }

func newCompressor(w io.Writer, c Compression) (compressor, error) {
	switch c {
	case CompressionNone, "":
		return nopCompressor{w}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

// NewReader wraps r with the decompressor matching c.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone, "":
		return io.NopCloser(r), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

// CompressionFromPath infers the compression of a stored stream from its
// file name.
func CompressionFromPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, CompressionZstd.Extension()):
		return CompressionZstd
	case strings.HasSuffix(path, CompressionLZ4.Extension()):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}
