package app

import (
	"github.com/deploymenttheory/go-switchfs/internal/disk"
	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/logger"
	"github.com/deploymenttheory/go-switchfs/internal/services"
)

// SessionRequest describes the image and keys a command works on
type SessionRequest struct {
	ImagePath string

	// KeysPath overrides the configured key file
	KeysPath string

	// RequireKeys fails instead of opening a cleartext-only session when no
	// key file can be found
	RequireKeys bool

	// NoGPT skips the partition table and uses the retail layout
	NoGPT bool

	// FallbackLayout opens the image with the retail layout when the
	// partition table is corrupt. Without it, or the fallback_layout
	// setting, a corrupt table fails the session.
	FallbackLayout bool
}

// LoadKeys resolves and parses the key file for a request. The explicit
// path wins, then the configured one, then the default search locations.
// It returns a nil table when nothing was found and keys are optional.
func LoadKeys(ctx *Context, path string, required bool) (*keys.KeyTable, string, error) {
	if path == "" {
		path = ctx.Settings().Keys
	}
	if path == "" {
		found, err := keys.FindKeyFile()
		if err != nil {
			if required {
				return nil, "", NewError(ErrCodeKeyMaterial, "no key file given and none found in the default locations", err)
			}
			logger.LogWarn("No key file found, only cleartext partitions are readable", nil)
			return nil, "", nil
		}
		path = found
	}

	kt, err := keys.LoadKeyFile(path)
	if err != nil {
		return nil, path, NewError(ErrCodeKeyMaterial, "failed to load keys from "+path, err)
	}
	logger.LogDebug("Loaded BIS keys", map[string]interface{}{
		"path":    path,
		"present": len(kt.Present()),
	})
	return kt, path, nil
}

// OpenSession loads keys and opens the image described by req
func OpenSession(ctx *Context, req SessionRequest) (*services.NANDService, error) {
	kt, _, err := LoadKeys(ctx, req.KeysPath, req.RequireKeys)
	if err != nil {
		return nil, err
	}

	cfg := ctx.Settings()
	opts := services.SessionOptions{
		SectorSize:    cfg.SectorSize,
		CacheSectors:  cfg.CacheSectors,
		CipherOptions: cfg.CipherOptions(),
		Discover: disk.DiscoverOptions{
			UseGPT:          cfg.UseGPT && !req.NoGPT,
			FallbackToKnown: cfg.FallbackLayout || req.FallbackLayout,
		},
	}

	svc, err := services.OpenSession(req.ImagePath, kt, opts)
	if err != nil {
		return nil, WrapError("failed to open "+req.ImagePath, err)
	}
	return svc, nil
}
