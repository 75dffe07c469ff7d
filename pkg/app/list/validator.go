package list

import (
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Validate validates a listing request
func (r *Request) Validate() error {
	if r.ImagePath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "image path is required", nil)
	}
	return nil
}
