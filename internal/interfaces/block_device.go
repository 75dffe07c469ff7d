// File: internal/interfaces/block_device.go
package interfaces

import (
	"io"

	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// CipherTransform transforms whole sectors of a partition
type CipherTransform interface {
	// DecryptSectors decrypts src into dst, starting at the given sector index.
	// dst and src may be the same slice.
	DecryptSectors(dst, src []byte, sector types.SectorIndex, sectorSize int) error

	// EncryptSectors encrypts src into dst, starting at the given sector index
	EncryptSectors(dst, src []byte, sector types.SectorIndex, sectorSize int) error
}

// BackingStore is a positioned, read-only view of a raw NAND image
type BackingStore interface {
	io.ReaderAt

	// Size returns the size of the image in bytes
	Size() int64
}

// BackingStoreInfo provides information about a backing store
type BackingStoreInfo interface {
	// Path returns the path the image was opened from
	Path() string

	// DeviceType returns the type of source (e.g., "image", "device", "memory")
	DeviceType() string
}

// SectorCache caches decrypted sectors keyed by absolute image offset
type SectorCache interface {
	// Get returns a copy of the cached sector, or nil on a miss
	Get(offset int64) []byte

	// Put stores a decrypted sector
	Put(offset int64, data []byte)

	// Clear removes all sectors from the cache
	Clear()

	// Statistics returns cache performance statistics
	Statistics() SectorCacheStats
}

// SectorCacheStats contains cache performance statistics
type SectorCacheStats struct {
	// Total number of cache hits
	Hits uint64

	// Total number of cache misses
	Misses uint64

	// Current number of sectors in cache
	Entries int

	// Maximum number of sectors the cache can hold
	MaxEntries int

	// Cache hit ratio as a percentage
	HitRatio float64

	// Total bytes currently cached
	BytesCached uint64
}
