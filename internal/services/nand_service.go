package services

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-switchfs/internal/crypto/xtsn"
	"github.com/deploymenttheory/go-switchfs/internal/disk"
	"github.com/deploymenttheory/go-switchfs/internal/interfaces"
	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/logger"
	"github.com/deploymenttheory/go-switchfs/internal/region"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// SessionOptions configures a NANDService
type SessionOptions struct {
	// SectorSize is the XTS-N data unit for encrypted partitions
	SectorSize int

	// CacheSectors is the number of decrypted sectors kept in memory (0 disables)
	CacheSectors int

	// Discover controls partition discovery
	Discover disk.DiscoverOptions

	// CipherOptions are applied to every BIS cipher
	CipherOptions []xtsn.Option
}

// DefaultSessionOptions returns the options used by the firmware layout
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		SectorSize:   types.NANDSectorSize,
		CacheSectors: 256,
		Discover:     disk.DiscoverOptions{UseGPT: true},
	}
}

// NANDService serves decrypted partition data from one NAND image.
// It owns the image and is safe for concurrent readers.
type NANDService struct {
	image      *disk.NANDImage
	keyTable   *keys.KeyTable
	ciphers    [types.BISKeyCount]*xtsn.Cipher
	partitions []disk.Partition
	sectorSize int
	cache      *region.SectorCache

	mu      sync.Mutex
	readers map[string]*region.Reader
}

// OpenSession opens the image at path and discovers its partitions.
// kt may be nil, in which case only cleartext partitions are readable.
func OpenSession(path string, kt *keys.KeyTable, opts SessionOptions) (*NANDService, error) {
	image, err := disk.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewNANDService(image, kt, opts)
	if err != nil {
		image.Close()
		return nil, err
	}
	return s, nil
}

// NewNANDService builds a service over an already opened image
func NewNANDService(image *disk.NANDImage, kt *keys.KeyTable, opts SessionOptions) (*NANDService, error) {
	if opts.SectorSize == 0 {
		opts.SectorSize = types.NANDSectorSize
	}
	if err := xtsn.ValidateSectorSize(opts.SectorSize); err != nil {
		return nil, err
	}
	if kt == nil {
		kt = &keys.KeyTable{}
	}

	ciphers, err := kt.Ciphers(opts.CipherOptions...)
	if err != nil {
		return nil, fmt.Errorf("scheduling BIS keys: %w", err)
	}

	parts, err := image.Partitions(opts.Discover)
	if err != nil {
		return nil, err
	}

	s := &NANDService{
		image:      image,
		keyTable:   kt,
		ciphers:    ciphers,
		partitions: parts,
		sectorSize: opts.SectorSize,
		readers:    make(map[string]*region.Reader),
	}
	if opts.CacheSectors > 0 {
		s.cache = region.NewSectorCache(opts.CacheSectors)
	}

	for _, p := range parts {
		if p.Encrypted() && !kt.Has(p.KeyIndex) {
			logger.LogWarn("BIS key missing, partition will be unreadable", map[string]interface{}{
				"partition": p.Name,
				"bis_key":   int(p.KeyIndex),
			})
		}
	}
	return s, nil
}

// Image returns the backing image
func (s *NANDService) Image() *disk.NANDImage {
	return s.image
}

// Keys returns the key table the session was opened with
func (s *NANDService) Keys() *keys.KeyTable {
	return s.keyTable
}

// SectorSize returns the XTS-N data unit used for encrypted partitions
func (s *NANDService) SectorSize() int {
	return s.sectorSize
}

// Partitions returns the discovered partitions in table order
func (s *NANDService) Partitions() []disk.Partition {
	out := make([]disk.Partition, len(s.partitions))
	copy(out, s.partitions)
	return out
}

// Partition looks a partition up by name, ignoring case
func (s *NANDService) Partition(name string) (disk.Partition, error) {
	return disk.FindPartition(s.partitions, name)
}

// Readable reports whether the session can serve plaintext for p
func (s *NANDService) Readable(p disk.Partition) bool {
	return !p.Encrypted() || s.ciphers[p.KeyIndex] != nil
}

// Region returns the read region for p
func (s *NANDService) Region(p disk.Partition) (region.Region, error) {
	r := region.Region{Offset: p.Offset, Size: p.Size}
	if !p.Encrypted() {
		return r, nil
	}
	c := s.ciphers[p.KeyIndex]
	if c == nil {
		return region.Region{}, fmt.Errorf("partition %s needs BIS key %s: %w", p.Name, p.KeyIndex, types.ErrInvalidKeyMaterial)
	}
	r.Cipher = c
	r.SectorSize = s.sectorSize
	return r, nil
}

// Reader returns a shared reader for the named partition
func (s *NANDService) Reader(name string) (*region.Reader, error) {
	p, err := s.Partition(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rd, ok := s.readers[p.Name]; ok {
		return rd, nil
	}

	r, err := s.Region(p)
	if err != nil {
		return nil, err
	}
	var opts []region.ReaderOption
	if s.cache != nil {
		opts = append(opts, region.WithCache(s.cache))
	}
	rd, err := region.NewReader(s.image, r, opts...)
	if err != nil {
		return nil, err
	}
	s.readers[p.Name] = rd
	return rd, nil
}

// ReadPartition returns length bytes at offset within the named partition
func (s *NANDService) ReadPartition(name string, offset, length int64) ([]byte, error) {
	rd, err := s.Reader(name)
	if err != nil {
		return nil, err
	}
	return rd.ReadRange(offset, length)
}

// Verification statuses
const (
	VerifyOK        = "ok"
	VerifyMismatch  = "mismatch"
	VerifySkipped   = "skipped"
	VerifyNoKey     = "no_key"
	VerifyReadError = "read_error"
)

// VerifyResult is the outcome of checking one partition
type VerifyResult struct {
	Partition string `json:"partition" yaml:"partition"`
	KeyIndex  string `json:"bis_key" yaml:"bis_key"`
	Status    string `json:"status" yaml:"status"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Verify decrypts the first sector of every encrypted partition and checks
// for the structure it must start with: the CAL0 header for PRODINFO and a
// FAT boot sector signature for the rest. Wrong keys show up as mismatches.
func (s *NANDService) Verify(ctx context.Context) ([]VerifyResult, error) {
	results := make([]VerifyResult, 0, len(s.partitions))

	for _, p := range s.partitions {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := VerifyResult{Partition: p.Name, KeyIndex: p.KeyIndex.String()}
		switch {
		case !p.Encrypted():
			res.Status = VerifySkipped
			res.Detail = "cleartext"
		case !s.Readable(p):
			res.Status = VerifyNoKey
		default:
			res.Status, res.Detail = s.verifyPartition(p)
		}

		logger.LogDebug("Verified partition", map[string]interface{}{
			"partition": p.Name,
			"status":    res.Status,
		})
		results = append(results, res)
	}
	return results, nil
}

func (s *NANDService) verifyPartition(p disk.Partition) (string, string) {
	head, err := s.ReadPartition(p.Name, 0, types.GPTLBASize)
	if err != nil {
		return VerifyReadError, err.Error()
	}

	if p.KeyIndex == types.BISKeyCalibration && p.Name == types.PartitionProdInfo {
		if bytes.HasPrefix(head, []byte(types.CAL0Magic)) {
			return VerifyOK, "CAL0 header"
		}
		return VerifyMismatch, "CAL0 header not found"
	}

	if len(head) > types.FATBootSigOffset+1 &&
		head[types.FATBootSigOffset] == types.FATBootSignature0 &&
		head[types.FATBootSigOffset+1] == types.FATBootSignature1 {
		return VerifyOK, "FAT boot sector"
	}
	return VerifyMismatch, "FAT boot sector signature not found"
}

// CacheStatistics returns sector cache statistics. ok is false when caching is off
func (s *NANDService) CacheStatistics() (stats interfaces.SectorCacheStats, ok bool) {
	if s.cache == nil {
		return stats, false
	}
	return s.cache.Statistics(), true
}

// Close releases the image
func (s *NANDService) Close() error {
	return s.image.Close()
}
