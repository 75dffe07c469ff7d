package extract

import (
	"time"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Compression methods for extracted images
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionXZ   = "xz"
)

// StdoutDest writes the extracted data to the context's output
const StdoutDest = "-"

// Request represents a partition extraction request
type Request struct {
	ImagePath string
	KeysPath  string
	NoGPT     bool
	Target    app.PartitionTarget

	// Dest is the output file. Empty derives "<NAME>.img" plus the
	// compression suffix; "-" writes to the context's output.
	Dest        string
	Compression string
	Force       bool
}

// Response represents extraction results
type Response struct {
	Partition    string        `json:"partition" yaml:"partition"`
	Dest         string        `json:"dest" yaml:"dest"`
	Offset       int64         `json:"offset" yaml:"offset"`
	BytesRead    int64         `json:"bytes_read" yaml:"bytes_read"`
	BytesWritten int64         `json:"bytes_written" yaml:"bytes_written"`
	Compression  string        `json:"compression" yaml:"compression"`
	Elapsed      time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Ratio returns written bytes as a fraction of read bytes
func (r *Response) Ratio() float64 {
	if r.BytesRead == 0 {
		return 0
	}
	return float64(r.BytesWritten) / float64(r.BytesRead)
}
