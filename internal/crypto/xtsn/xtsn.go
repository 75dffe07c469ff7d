// Package xtsn implements AES-XTS-N, the XTS variant Nintendo Switch firmware
// uses for its built-in storage (BIS) partitions.
//
// XTS-N is XEX over AES-128 with two differences from IEEE P1619 XTS: the
// sector number fed to the tweak cipher is big-endian, and it is a 128-bit
// value split into high and low 64-bit halves. Tweak advancement inside a
// sector is the standard multiply-by-x in GF(2^128) over the little-endian
// interpretation of the tweak bytes. No ciphertext stealing is used, so every
// buffer is a whole number of sectors.
//
// A Cipher holds only scheduled keys. It carries no position between calls
// and can be shared by concurrent readers.
package xtsn

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
	"runtime"
	"sync"

	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// blockSize is the block size of the underlying cipher.
const blockSize = types.XTSNBlockSize

// KeySize is the size of each half of a BIS key pair.
const KeySize = 16

// DefaultParallelThreshold is the number of sectors a buffer must span
// before work is split across goroutines.
const DefaultParallelThreshold = 64

// Cipher contains the scheduled crypt and tweak keys.
type Cipher struct {
	crypt, tweak cipher.Block

	workers           int
	parallelThreshold int
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithWorkers sets the maximum number of goroutines used for one call.
// Values below 1 disable parallel processing.
func WithWorkers(n int) Option {
	return func(c *Cipher) {
		if n < 1 {
			n = 1
		}
		c.workers = n
	}
}

// WithParallelThreshold sets the minimum sector count for parallel processing.
func WithParallelThreshold(sectors int) Option {
	return func(c *Cipher) {
		if sectors < 1 {
			sectors = 1
		}
		c.parallelThreshold = sectors
	}
}

// NewCipher schedules an XTS-N key pair. Both keys must be exactly 16 bytes.
func NewCipher(cryptKey, tweakKey []byte, opts ...Option) (*Cipher, error) {
	if len(cryptKey) != KeySize {
		return nil, fmt.Errorf("xtsn: crypt key is %d bytes, want %d: %w", len(cryptKey), KeySize, types.ErrInvalidKeyMaterial)
	}
	if len(tweakKey) != KeySize {
		return nil, fmt.Errorf("xtsn: tweak key is %d bytes, want %d: %w", len(tweakKey), KeySize, types.ErrInvalidKeyMaterial)
	}

	c := &Cipher{
		workers:           runtime.GOMAXPROCS(0),
		parallelThreshold: DefaultParallelThreshold,
	}
	var err error
	if c.crypt, err = aes.NewCipher(cryptKey); err != nil {
		return nil, fmt.Errorf("xtsn: crypt key: %w", err)
	}
	if c.tweak, err = aes.NewCipher(tweakKey); err != nil {
		return nil, fmt.Errorf("xtsn: tweak key: %w", err)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Decrypt decrypts whole sectors starting at a 64-bit sector index.
func (c *Cipher) Decrypt(buf []byte, sector uint64, sectorSize int) ([]byte, error) {
	return c.DecryptLong(buf, types.SectorIndexFromUint64(sector), sectorSize)
}

// Encrypt encrypts whole sectors starting at a 64-bit sector index.
func (c *Cipher) Encrypt(buf []byte, sector uint64, sectorSize int) ([]byte, error) {
	return c.EncryptLong(buf, types.SectorIndexFromUint64(sector), sectorSize)
}

// DecryptLong decrypts whole sectors starting at a 128-bit sector index.
func (c *Cipher) DecryptLong(buf []byte, sector types.SectorIndex, sectorSize int) ([]byte, error) {
	return c.DecryptSkip(buf, sector, sectorSize, 0)
}

// EncryptLong encrypts whole sectors starting at a 128-bit sector index.
func (c *Cipher) EncryptLong(buf []byte, sector types.SectorIndex, sectorSize int) ([]byte, error) {
	return c.EncryptSkip(buf, sector, sectorSize, 0)
}

// DecryptSkip decrypts a buffer that begins skip bytes after the start of
// sector. Whole sectors inside skip move the sector index forward; the
// remainder moves the tweak forward inside the first sector, so buf starts
// mid-sector and must end on a sector boundary.
func (c *Cipher) DecryptSkip(buf []byte, sector types.SectorIndex, sectorSize, skip int) ([]byte, error) {
	out := make([]byte, len(buf))
	if err := c.process(out, buf, sector, sectorSize, skip, c.crypt.Decrypt); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptSkip is the inverse of DecryptSkip.
func (c *Cipher) EncryptSkip(buf []byte, sector types.SectorIndex, sectorSize, skip int) ([]byte, error) {
	out := make([]byte, len(buf))
	if err := c.process(out, buf, sector, sectorSize, skip, c.crypt.Encrypt); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptSectors decrypts src into dst. dst and src may be the same slice.
func (c *Cipher) DecryptSectors(dst, src []byte, sector types.SectorIndex, sectorSize int) error {
	return c.process(dst, src, sector, sectorSize, 0, c.crypt.Decrypt)
}

// EncryptSectors encrypts src into dst. dst and src may be the same slice.
func (c *Cipher) EncryptSectors(dst, src []byte, sector types.SectorIndex, sectorSize int) error {
	return c.process(dst, src, sector, sectorSize, 0, c.crypt.Encrypt)
}

// ValidateSectorSize checks that size is a power of two no smaller than one block.
func ValidateSectorSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("xtsn: sector size must not be 0: %w", types.ErrInvalidCipherInput)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("xtsn: sector size 0x%x is not a power of two: %w", size, types.ErrInvalidCipherInput)
	}
	if size < blockSize {
		return fmt.Errorf("xtsn: sector size 0x%x is smaller than the block size: %w", size, types.ErrInvalidCipherInput)
	}
	return nil
}

func validate(dst, src []byte, sectorSize, skip int) error {
	if err := ValidateSectorSize(sectorSize); err != nil {
		return err
	}
	if len(src) == 0 {
		return fmt.Errorf("xtsn: empty buffer: %w", types.ErrInvalidCipherInput)
	}
	if skip < 0 || skip%blockSize != 0 {
		return fmt.Errorf("xtsn: skipped bytes %d not a multiple of %d: %w", skip, blockSize, types.ErrInvalidCipherInput)
	}
	if (skip%sectorSize+len(src))%sectorSize != 0 {
		return fmt.Errorf("xtsn: buffer length 0x%x does not end on a 0x%x sector boundary: %w", len(src), sectorSize, types.ErrInvalidCipherInput)
	}
	if len(dst) < len(src) {
		return fmt.Errorf("xtsn: output buffer is smaller than input: %w", types.ErrInvalidCipherInput)
	}
	return nil
}

func (c *Cipher) process(dst, src []byte, sector types.SectorIndex, sectorSize, skip int, fn func(dst, src []byte)) error {
	if err := validate(dst, src, sectorSize, skip); err != nil {
		return err
	}

	sector = sector.Add(uint64(skip / sectorSize))
	lead := skip % sectorSize
	pos := 0
	if lead != 0 {
		n := sectorSize - lead
		c.processSector(dst[:n], src[:n], sector, lead/blockSize, fn)
		pos = n
		sector = sector.Add(1)
	}

	c.processRange(dst[pos:len(src)], src[pos:], sector, sectorSize, fn)
	return nil
}

// processRange transforms whole sectors, splitting them across workers when
// the range is large enough.
func (c *Cipher) processRange(dst, src []byte, sector types.SectorIndex, sectorSize int, fn func(dst, src []byte)) {
	count := len(src) / sectorSize
	if count == 0 {
		return
	}

	workers := c.workers
	if workers > count {
		workers = count
	}
	if workers <= 1 || count < c.parallelThreshold {
		c.processSequential(dst, src, sector, sectorSize, fn)
		return
	}

	per := (count + workers - 1) / workers
	var wg sync.WaitGroup
	for first := 0; first < count; first += per {
		last := first + per
		if last > count {
			last = count
		}
		start, end := first*sectorSize, last*sectorSize
		wg.Add(1)
		go func(dst, src []byte, s types.SectorIndex) {
			defer wg.Done()
			c.processSequential(dst, src, s, sectorSize, fn)
		}(dst[start:end], src[start:end], sector.Add(uint64(first)))
	}
	wg.Wait()
}

func (c *Cipher) processSequential(dst, src []byte, sector types.SectorIndex, sectorSize int, fn func(dst, src []byte)) {
	for i := 0; i < len(src); i += sectorSize {
		c.processSector(dst[i:i+sectorSize], src[i:i+sectorSize], sector, 0, fn)
		sector = sector.Add(1)
	}
}

// processSector runs XEX over the blocks of one sector (or its tail when
// skipBlocks > 0).
func (c *Cipher) processSector(dst, src []byte, sector types.SectorIndex, skipBlocks int, fn func(dst, src []byte)) {
	t := sectorTweak(c.tweak, sector)
	t.advance(skipBlocks)

	for i := 0; i < len(src); i += blockSize {
		d := dst[i : i+blockSize]
		subtle.XORBytes(d, src[i:i+blockSize], t[:])
		fn(d, d)
		subtle.XORBytes(d, d, t[:])
		t.mul2()
	}
}
