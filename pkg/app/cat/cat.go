// Package cat prints a decrypted byte range of a partition.
package cat

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Request represents a partition read request
type Request struct {
	ImagePath string
	KeysPath  string
	NoGPT     bool
	Target    app.PartitionTarget

	// Hex writes a hexdump instead of raw bytes
	Hex bool
}

// Validate validates a read request
func (r *Request) Validate() error {
	if r.ImagePath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "image path is required", nil)
	}
	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid partition target", err)
	}
	return nil
}

// Handle writes the requested range to the context's output and returns
// the number of partition bytes read. Ranges past the end of the partition
// are clamped.
func Handle(ctx *app.Context, req *Request) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	svc, err := app.OpenSession(ctx, app.SessionRequest{
		ImagePath: req.ImagePath,
		KeysPath:  req.KeysPath,
		NoGPT:     req.NoGPT,
	})
	if err != nil {
		return 0, err
	}
	defer svc.Close()

	rd, err := svc.Reader(req.Target.Name)
	if err != nil {
		return 0, app.WrapError("cannot read "+req.Target.Name, err)
	}

	span := req.Target.Span(rd.Size())
	ctx.Log(fmt.Sprintf("Reading %s: 0x%x bytes", req.Target.String(), span))

	var out io.Writer = ctx.Out()
	var dumper io.WriteCloser
	if req.Hex {
		dumper = hex.Dumper(out)
		out = dumper
	}

	n, err := io.Copy(out, io.NewSectionReader(rd, req.Target.Offset, span))
	if dumper != nil {
		if cerr := dumper.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return n, app.WrapError("read failed", err)
	}
	return n, nil
}
