package extract

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/deploymenttheory/go-switchfs/internal/nandfs"
	"github.com/deploymenttheory/go-switchfs/internal/types"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// AllRequest extracts every readable partition into a directory
type AllRequest struct {
	ImagePath   string
	KeysPath    string
	NoGPT       bool
	DestDir     string
	Compression string
	Force       bool
}

// AllResponse lists the files written and the partitions skipped
type AllResponse struct {
	DestDir   string        `json:"dest_dir" yaml:"dest_dir"`
	Extracted []Response    `json:"extracted" yaml:"extracted"`
	Skipped   []Skipped     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Skipped is a partition that could not be extracted
type Skipped struct {
	File   string `json:"file" yaml:"file"`
	Reason string `json:"reason" yaml:"reason"`
}

// Validate validates an extract-all request
func (r *AllRequest) Validate() error {
	if r.ImagePath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "image path is required", nil)
	}
	if r.DestDir == "" {
		return app.NewError(app.ErrCodeInvalidInput, "destination directory is required", nil)
	}
	switch r.Compression {
	case "", CompressionNone, CompressionZstd, CompressionXZ:
		return nil
	default:
		return app.NewError(app.ErrCodeInvalidInput, "compression must be one of none, zstd, xz", nil)
	}
}

// HandleAll walks the partition filesystem of the image and copies each
// file into DestDir. Partitions without keys are skipped, not fatal.
func HandleAll(ctx *app.Context, req *AllRequest) (*AllResponse, error) {
	startTime := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	svc, err := app.OpenSession(ctx, app.SessionRequest{
		ImagePath: req.ImagePath,
		KeysPath:  req.KeysPath,
		NoGPT:     req.NoGPT,
	})
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, app.NewError(app.ErrCodePermission, "failed to create "+req.DestDir, err)
	}

	fsys := nandfs.New(svc, svc.Image().Size())
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, app.WrapError("failed to list partitions", err)
	}

	method := req.Compression
	if method == "" {
		method = CompressionNone
	}
	resp := &AllResponse{DestDir: req.DestDir}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, app.WrapError("extraction interrupted", err)
		}
		ctx.Progress("Extracting "+entry.Name(), i*100/len(entries))

		res, err := copyFile(ctx, fsys, entry.Name(), filepath.Join(req.DestDir, entry.Name()+Extension(method)), method, req.Force)
		if err != nil {
			if errors.Is(err, types.ErrInvalidKeyMaterial) {
				resp.Skipped = append(resp.Skipped, Skipped{File: entry.Name(), Reason: "BIS key missing"})
				continue
			}
			return nil, err
		}
		resp.Extracted = append(resp.Extracted, *res)
	}

	resp.Elapsed = time.Since(startTime)
	ctx.Progress("Complete", 100)
	return resp, nil
}

func copyFile(ctx *app.Context, fsys fs.FS, name, dest, method string, force bool) (*Response, error) {
	src, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, app.WrapError("stat "+name, err)
	}

	out, closeOut, err := openDest(ctx, dest, force)
	if err != nil {
		return nil, err
	}
	counter := &countingWriter{w: out}
	comp, err := NewCompressor(counter, method)
	if err != nil {
		closeOut(false)
		return nil, app.NewError(app.ErrCodeInternal, "failed to set up compression", err)
	}

	read, copyErr := io.CopyBuffer(comp, &progressReader{ctx: ctx, r: src}, make([]byte, chunkSize))
	if err := comp.Close(); copyErr == nil {
		copyErr = err
	}
	if err := closeOut(copyErr == nil); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return nil, app.WrapError(fmt.Sprintf("extraction of %s failed", name), copyErr)
	}

	return &Response{
		Partition:    info.Name(),
		Dest:         dest,
		BytesRead:    read,
		BytesWritten: counter.n,
		Compression:  method,
	}, nil
}

// FormatAllOutput writes the extract-all summary to w in the given format
func FormatAllOutput(w io.Writer, response *AllResponse, format string) error {
	switch format {
	case app.FormatJSON:
		return app.WriteJSON(w, response)
	case app.FormatYAML:
		return app.WriteYAML(w, response)
	case app.FormatTable:
		for _, r := range response.Extracted {
			fmt.Fprintf(w, "%-28s %12s -> %s\n", r.Partition, app.FormatBytes(r.BytesRead), r.Dest)
		}
		for _, s := range response.Skipped {
			fmt.Fprintf(w, "%-28s skipped: %s\n", s.File, s.Reason)
		}
		_, err := fmt.Fprintf(w, "\n%d extracted, %d skipped in %v\n", len(response.Extracted), len(response.Skipped), response.Elapsed)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
