package region

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-switchfs/internal/interfaces"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// Reader exposes a Region as an io.ReaderAt over its plaintext.
type Reader struct {
	backing io.ReaderAt
	region  Region
	cache   interfaces.SectorCache
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithCache makes the Reader keep decrypted sectors in c. The cache may be
// shared between readers of the same image.
func WithCache(c interfaces.SectorCache) ReaderOption {
	return func(rd *Reader) {
		rd.cache = c
	}
}

// NewReader creates a Reader for r over backing.
func NewReader(backing io.ReaderAt, r Region, opts ...ReaderOption) (*Reader, error) {
	if backing == nil {
		return nil, fmt.Errorf("region: nil backing store: %w", types.ErrBackingStore)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	rd := &Reader{backing: backing, region: r}
	for _, opt := range opts {
		opt(rd)
	}
	return rd, nil
}

// Size returns the logical size of the region.
func (rd *Reader) Size() int64 {
	return rd.region.Size
}

// Region returns the region the reader serves.
func (rd *Reader) Region() Region {
	return rd.region
}

// Section returns an io.SectionReader over the whole region, for callers
// that need io.Reader and io.Seeker.
func (rd *Reader) Section() *io.SectionReader {
	return io.NewSectionReader(rd, 0, rd.region.Size)
}

// ReadAt implements io.ReaderAt.
func (rd *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("region: negative offset %d: %w", off, types.ErrOutOfRange)
	}
	if off >= rd.region.Size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	data, err := rd.ReadRange(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange returns length bytes at offset, with the same clamping rules as the
// package-level Read.
func (rd *Reader) ReadRange(offset, length int64) ([]byte, error) {
	if rd.cache == nil || !rd.region.Encrypted() {
		return Read(rd.backing, rd.region, offset, length)
	}

	r := rd.region
	length, err := r.Clamp(offset, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	ss := int64(r.SectorSize)
	before := offset % ss
	aligned := offset - before
	count := (length + before + ss - 1) / ss
	end := before + length

	plain := make([]byte, count*ss)
	missing := make([]bool, count)
	for i := int64(0); i < count; i++ {
		if data := rd.cache.Get(r.Offset + aligned + i*ss); len(data) == int(ss) {
			copy(plain[i*ss:], data)
		} else {
			missing[i] = true
		}
	}

	for i := int64(0); i < count; {
		if !missing[i] {
			i++
			continue
		}
		j := i
		for j < count && missing[j] {
			j++
		}
		if err := rd.fill(plain, aligned, i, j, end); err != nil {
			return nil, err
		}
		i = j
	}

	return plain[before:end], nil
}

// fill decrypts sectors [first, last) of the request into plain and caches
// the ones fully backed by the image.
func (rd *Reader) fill(plain []byte, aligned, first, last, end int64) error {
	r := rd.region
	ss := int64(r.SectorSize)
	start := aligned + first*ss

	need := end - first*ss
	if span := (last - first) * ss; need > span {
		need = span
	}

	buf, valid, err := r.readSectors(rd.backing, start, (last-first)*ss, need)
	if err != nil {
		return err
	}
	copy(plain[first*ss:], buf)

	for k := int64(0); (k+1)*ss <= valid; k++ {
		rd.cache.Put(r.Offset+start+k*ss, buf[k*ss:(k+1)*ss])
	}
	return nil
}

// ReadAll reads the whole region into w in chunks of chunk bytes. It stops
// at the first error and reports the number of bytes written.
func (rd *Reader) ReadAll(w io.Writer, chunk int) (int64, error) {
	if chunk <= 0 {
		chunk = types.NANDSectorSize * 64
	}
	return io.CopyBuffer(w, rd.Section(), make([]byte, chunk))
}
