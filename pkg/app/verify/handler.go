package verify

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-switchfs/internal/disk"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Validate validates a verification request
func (r *Request) Validate() error {
	if r.ImagePath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "image path is required", nil)
	}
	return nil
}

// Handle checks the GPT and decrypts the head of every encrypted partition
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	// The table is checked and reported below, so a corrupt one must not
	// stop the key checks.
	svc, err := app.OpenSession(ctx, app.SessionRequest{
		ImagePath:      req.ImagePath,
		KeysPath:       req.KeysPath,
		NoGPT:          req.NoGPT,
		FallbackLayout: true,
	})
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	resp := &Response{Image: req.ImagePath}

	if !req.NoGPT {
		ctx.Progress("Checking GPT", 10)
		resp.GPT.Checked = true
		gpt, err := disk.ReadGPT(svc.Image())
		if err != nil {
			resp.GPT.Detail = err.Error()
		} else {
			resp.GPT.Valid = true
			resp.GPT.Entries = len(gpt.Partitions)
		}
	}

	ctx.Progress("Decrypting partition headers", 50)
	results, err := svc.Verify(ctx)
	if err != nil {
		return nil, app.WrapError("verification interrupted", err)
	}
	resp.Partitions = results

	resp.OK = resp.Failures() == 0 && (!resp.GPT.Checked || resp.GPT.Valid)
	resp.Elapsed = time.Since(startTime)

	ctx.Progress("Complete", 100)
	if ctx.Verbose && !ctx.Quiet {
		svc.Image().PrintStats(ctx.ErrOut())
	}
	ctx.Log(fmt.Sprintf("Verified %d partitions, %d failures", len(results), resp.Failures()))
	return resp, nil
}
