package list

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-switchfs/internal/disk"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Handle processes a listing request
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Reading partitions of: %s", req.ImagePath))

	svc, err := app.OpenSession(ctx, app.SessionRequest{
		ImagePath: req.ImagePath,
		KeysPath:  req.KeysPath,
		NoGPT:     req.NoGPT,
	})
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	image := svc.Image()
	resp := &Response{
		Image: ImageInfo{
			Path:       image.Path(),
			Size:       image.Size(),
			DeviceType: image.DeviceType(),
			Method:     image.GetStats().Method,
			KeysLoaded: []int{},
		},
	}
	for _, idx := range svc.Keys().Present() {
		resp.Image.KeysLoaded = append(resp.Image.KeysLoaded, int(idx))
	}

	parts := svc.Partitions()
	disk.SortByOffset(parts)
	for _, p := range parts {
		info := PartitionInfo{
			Index:     p.Index,
			Name:      p.Name,
			Offset:    p.Offset,
			Size:      p.Size,
			KeyIndex:  p.KeyIndex.String(),
			Encrypted: p.Encrypted(),
			Readable:  svc.Readable(p),
		}
		if p.TypeGUID != uuid.Nil {
			info.TypeGUID = p.TypeGUID.String()
		}
		if p.UniqueGUID != uuid.Nil {
			info.UniqueGUID = p.UniqueGUID.String()
		}
		resp.Partitions = append(resp.Partitions, info)
	}

	resp.ListTime = time.Since(startTime)
	ctx.Log(fmt.Sprintf("Found %d partitions via %s", len(resp.Partitions), resp.Image.Method))
	return resp, nil
}
