package extract

import (
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Validate validates an extraction request
func (r *Request) Validate() error {
	if r.ImagePath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "image path is required", nil)
	}
	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid partition target", err)
	}

	switch r.Compression {
	case "", CompressionNone, CompressionZstd, CompressionXZ:
	default:
		return app.NewError(app.ErrCodeInvalidInput, "compression must be one of none, zstd, xz", nil)
	}

	if r.Dest == StdoutDest && r.Compression != "" && r.Compression != CompressionNone {
		return app.NewError(app.ErrCodeInvalidInput, "compressed output needs a destination file", nil)
	}
	return nil
}

// DestPath returns the output path, deriving one from the partition name
// when Dest is empty.
func (r *Request) DestPath(partition string) string {
	if r.Dest != "" {
		return r.Dest
	}
	return partition + ".img" + Extension(r.Compression)
}
