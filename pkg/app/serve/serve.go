// Package serve exports the decrypted partitions of an image over NBD.
package serve

import (
	"context"
	"fmt"
	"net"

	"github.com/deploymenttheory/go-switchfs/internal/logger"
	"github.com/deploymenttheory/go-switchfs/internal/nbd"
	"github.com/deploymenttheory/go-switchfs/internal/services"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Request represents an NBD serve request
type Request struct {
	ImagePath string
	KeysPath  string
	NoGPT     bool

	// Socket is the Unix socket path. Empty uses the configured one.
	Socket string
}

// Validate validates a serve request
func (r *Request) Validate() error {
	if r.ImagePath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "image path is required", nil)
	}
	return nil
}

// Handle serves the image until ctx is cancelled
func Handle(ctx *app.Context, req *Request) error {
	return run(ctx, req, func(ctx context.Context, s *nbd.Server) error {
		return s.ListenAndServe(ctx)
	})
}

// HandleListener serves on an existing listener instead of a Unix socket
func HandleListener(ctx *app.Context, req *Request, ln net.Listener) error {
	return run(ctx, req, func(ctx context.Context, s *nbd.Server) error {
		return s.Serve(ctx, ln)
	})
}

func run(ctx *app.Context, req *Request, serve func(context.Context, *nbd.Server) error) error {
	if err := req.Validate(); err != nil {
		return err
	}

	svc, err := app.OpenSession(ctx, app.SessionRequest{
		ImagePath: req.ImagePath,
		KeysPath:  req.KeysPath,
		NoGPT:     req.NoGPT,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	socket := req.Socket
	if socket == "" {
		socket = ctx.Settings().NBDSocket
	}

	server := nbd.NewServer(socket, nbd.WithLogger(logger.WithFields(map[string]interface{}{
		"image":  req.ImagePath,
		"socket": socket,
	})))
	exported, err := AddExports(server, svc)
	if err != nil {
		return err
	}
	if exported == 0 {
		return app.NewError(app.ErrCodeKeyMaterial, "no partition is readable with the loaded keys", nil)
	}

	ctx.Log(fmt.Sprintf("Exporting %d partitions on %s", exported, socket))
	if err := serve(ctx, server); err != nil {
		logger.LogError("NBD server stopped", err, map[string]interface{}{"socket": socket})
		return app.WrapError("NBD server failed", err)
	}
	return nil
}

// AddExports registers every partition the session can decrypt and returns
// how many were added. Partitions without keys are skipped with a warning.
func AddExports(server *nbd.Server, svc *services.NANDService) (int, error) {
	n := 0
	for _, p := range svc.Partitions() {
		if !svc.Readable(p) {
			logger.LogWarn("Not exporting partition without key", map[string]interface{}{
				"partition": p.Name,
				"bis_key":   p.KeyIndex.String(),
			})
			continue
		}
		rd, err := svc.Reader(p.Name)
		if err != nil {
			return n, app.WrapError("cannot export "+p.Name, err)
		}
		if err := server.AddExport(nbd.Export{Name: p.Name, Reader: rd, Size: rd.Size()}); err != nil {
			return n, app.NewError(app.ErrCodeInternal, "cannot export "+p.Name, err)
		}
		logger.WithField("partition", p.Name).Debugw("Partition exported", "size", rd.Size())
		n++
	}
	return n, nil
}
