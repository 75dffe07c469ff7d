package extract

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Extension returns the file suffix for a compression method
func Extension(method string) string {
	switch method {
	case CompressionZstd:
		return ".zst"
	case CompressionXZ:
		return ".xz"
	default:
		return ""
	}
}

// NewCompressor wraps w so that writes are compressed with method. Closing
// the returned writer flushes the stream but leaves w open.
func NewCompressor(w io.Writer, method string) (io.WriteCloser, error) {
	switch method {
	case CompressionNone, "":
		return nopCloser{w}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case CompressionXZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}
		return xw, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", method)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// countingWriter counts bytes passed to the underlying writer
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
