// Package region reads byte ranges from partitions of a NAND image.
//
// Encrypted partitions can only be decrypted in whole sectors, so every
// request is widened to the sectors that contain it, decrypted, and sliced
// back down to the bytes asked for. Reads use io.ReaderAt only, which keeps
// concurrent requests against a shared image independent of each other.
package region

import (
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-switchfs/internal/crypto/xtsn"
	"github.com/deploymenttheory/go-switchfs/internal/interfaces"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// Region is a contiguous partition inside a backing image.
type Region struct {
	// Offset is the byte offset of the partition inside the image
	Offset int64

	// Size is the logical size of the partition in bytes
	Size int64

	// Cipher decrypts the partition. Nil means the partition is cleartext.
	Cipher interfaces.CipherTransform

	// SectorSize is the XTS-N data unit size. Ignored for cleartext regions.
	SectorSize int
}

// Encrypted reports whether reads must be decrypted.
func (r Region) Encrypted() bool {
	return r.Cipher != nil
}

// Validate checks the region geometry.
func (r Region) Validate() error {
	if r.Offset < 0 || r.Size < 0 {
		return fmt.Errorf("region: offset 0x%x size 0x%x: %w", r.Offset, r.Size, types.ErrOutOfRange)
	}
	if r.Encrypted() {
		return xtsn.ValidateSectorSize(r.SectorSize)
	}
	return nil
}

// Clamp bounds a request to the region. Requests starting at or past the end
// yield a zero length; negative values are rejected.
func (r Region) Clamp(offset, length int64) (int64, error) {
	if offset < 0 || length < 0 {
		return 0, fmt.Errorf("region: offset %d length %d: %w", offset, length, types.ErrOutOfRange)
	}
	if offset >= r.Size {
		return 0, nil
	}
	if length > r.Size-offset {
		length = r.Size - offset
	}
	return length, nil
}

// Read returns length bytes at offset within the region, decrypting when the
// region has a cipher. The result is never longer than the clamped request.
func Read(backing io.ReaderAt, r Region, offset, length int64) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	length, err := r.Clamp(offset, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	if !r.Encrypted() {
		return readClear(backing, r.Offset+offset, length)
	}

	ss := int64(r.SectorSize)
	before := offset % ss
	aligned := offset - before
	alignedLen := (length + before + ss - 1) / ss * ss

	plain, _, err := r.readSectors(backing, aligned, alignedLen, before+length)
	if err != nil {
		return nil, err
	}
	return plain[before : before+length], nil
}

func readClear(backing io.ReaderAt, at, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := backing.ReadAt(buf, at)
	if int64(n) == length {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("region: read 0x%x bytes at 0x%x, got 0x%x: %w: %w", length, at, n, types.ErrBackingStore, err)
}

// readSectors reads and decrypts alignedLen bytes at the sector-aligned
// region offset aligned. need is the number of leading bytes the caller will
// use; a short read at the end of the image is tolerated only when it still
// covers every block of those bytes, and the missing tail reads as zeros.
// The second result is the number of bytes actually backed by the image.
func (r Region) readSectors(backing io.ReaderAt, aligned, alignedLen, need int64) ([]byte, int64, error) {
	at := r.Offset + aligned
	buf := make([]byte, alignedLen)
	n, err := backing.ReadAt(buf, at)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("region: read 0x%x bytes at 0x%x: %w: %w", alignedLen, at, types.ErrBackingStore, err)
	}
	if int64(n) < alignedLen {
		covered := (need + types.XTSNBlockSize - 1) / types.XTSNBlockSize * types.XTSNBlockSize
		if int64(n) < covered {
			return nil, 0, fmt.Errorf("region: short read at 0x%x: got 0x%x of 0x%x bytes: %w", at, n, alignedLen, types.ErrBackingStore)
		}
		clear(buf[n:])
	}

	sector := types.SectorIndexFromUint64(uint64(aligned / int64(r.SectorSize)))
	if err := r.Cipher.DecryptSectors(buf, buf, sector, r.SectorSize); err != nil {
		return nil, 0, fmt.Errorf("region: decrypt sector %s: %w", sector, err)
	}
	return buf, int64(n), nil
}
