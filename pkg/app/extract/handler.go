package extract

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/deploymenttheory/go-switchfs/internal/logger"
	"github.com/deploymenttheory/go-switchfs/internal/types"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// chunkSize is the copy buffer, a whole number of XTS-N sectors
const chunkSize = 64 * types.NANDSectorSize

// Handle processes an extraction request
func Handle(ctx *app.Context, req *Request) (*Response, error) {
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

	part, err := svc.Partition(req.Target.Name)
	if err != nil {
		return nil, app.WrapError("cannot extract", err)
	}
	rd, err := svc.Reader(part.Name)
	if err != nil {
		return nil, app.WrapError("cannot read "+part.Name, err)
	}

	span := req.Target.Span(rd.Size())
	resp := &Response{
		Partition:   part.Name,
		Dest:        req.DestPath(part.Name),
		Offset:      req.Target.Offset,
		Compression: req.Compression,
	}
	if resp.Compression == "" {
		resp.Compression = CompressionNone
	}

	ctx.Log(fmt.Sprintf("Extracting %s (0x%x bytes) to %s", req.Target.String(), span, resp.Dest))

	out, closeOut, err := openDest(ctx, resp.Dest, req.Force)
	if err != nil {
		return nil, err
	}

	counter := &countingWriter{w: out}
	comp, err := NewCompressor(counter, resp.Compression)
	if err != nil {
		closeOut(false)
		return nil, app.NewError(app.ErrCodeInternal, "failed to set up compression", err)
	}

	src := &progressReader{
		ctx:     ctx,
		r:       io.NewSectionReader(rd, req.Target.Offset, span),
		total:   span,
		started: time.Now(),
	}
	read, copyErr := io.CopyBuffer(comp, src, make([]byte, chunkSize))
	if err := comp.Close(); copyErr == nil {
		copyErr = err
	}
	if err := closeOut(copyErr == nil); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		logger.LogError("Extraction failed", copyErr, map[string]interface{}{
			"partition":  part.Name,
			"dest":       resp.Dest,
			"bytes_read": read,
		})
		return nil, app.WrapError("extraction of "+part.Name+" failed", copyErr)
	}

	resp.BytesRead = read
	resp.BytesWritten = counter.n
	resp.Elapsed = time.Since(startTime)

	ctx.Progress("Complete", 100)
	if ctx.Verbose && !ctx.Quiet {
		svc.Image().PrintStats(ctx.ErrOut())
	}
	logger.LogInfo("Partition extracted", map[string]interface{}{
		"partition":     part.Name,
		"dest":          resp.Dest,
		"bytes_read":    resp.BytesRead,
		"bytes_written": resp.BytesWritten,
		"compression":   resp.Compression,
	})
	return resp, nil
}

// openDest opens the destination. The returned close function removes a
// partially written file when keep is false.
func openDest(ctx *app.Context, dest string, force bool) (io.Writer, func(keep bool) error, error) {
	if dest == StdoutDest {
		return ctx.Out(), func(bool) error { return nil }, nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, nil, app.NewError(app.ErrCodeInvalidInput, dest+" exists, use --force to overwrite", err)
		}
		return nil, nil, app.NewError(app.ErrCodePermission, "failed to create "+dest, err)
	}

	return f, func(keep bool) error {
		err := f.Close()
		if !keep {
			os.Remove(dest)
		}
		return err
	}, nil
}

// progressReader reports copy progress and stops when the context ends
type progressReader struct {
	ctx     *app.Context
	r       io.Reader
	total   int64
	done    int64
	last    int
	started time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, fmt.Errorf("extraction interrupted: %w", err)
	}
	n, err := p.r.Read(b)
	p.done += int64(n)

	if p.total > 0 {
		update := app.ProgressUpdate{
			Message:     "Extracting",
			Completed:   p.done,
			Total:       p.total,
			StartedAt:   p.started,
			ElapsedTime: time.Since(p.started),
		}
		if pct := update.Percent(); pct != p.last {
			p.last = pct
			p.ctx.Progress(update.Status(), pct)
		}
	}
	return n, err
}
