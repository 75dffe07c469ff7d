// Package nandfs presents the partitions of a NAND image as a flat,
// read-only io/fs filesystem. Every partition appears in the root directory
// as "<NAME>.img" and reads as its decrypted contents.
package nandfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deploymenttheory/go-switchfs/internal/disk"
	"github.com/deploymenttheory/go-switchfs/internal/region"
)

// FileSuffix is appended to partition names to form file names
const FileSuffix = ".img"

// Permission bits reported for files and the root directory
const (
	FileMode = fs.FileMode(0o444)
	DirMode  = fs.ModeDir | 0o555
)

// Source supplies the partitions and their plaintext readers
type Source interface {
	Partitions() []disk.Partition
	Reader(name string) (*region.Reader, error)
}

// FS implements fs.FS, fs.ReadDirFS and fs.StatFS over a Source
type FS struct {
	src       Source
	imageSize int64
	modTime   time.Time
	parts     []disk.Partition
}

var (
	_ fs.FS        = (*FS)(nil)
	_ fs.ReadDirFS = (*FS)(nil)
	_ fs.StatFS    = (*FS)(nil)
)

// Option configures an FS
type Option func(*FS)

// WithModTime sets the modification time reported for every entry
func WithModTime(t time.Time) Option {
	return func(f *FS) {
		f.modTime = t
	}
}

// New builds a filesystem over src. imageSize is the size of the backing
// image and is reported by Usage.
func New(src Source, imageSize int64, opts ...Option) *FS {
	parts := src.Partitions()
	sort.SliceStable(parts, func(i, j int) bool {
		return fileName(parts[i]) < fileName(parts[j])
	})

	f := &FS{src: src, imageSize: imageSize, parts: parts}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Usage summarises the filesystem the way statfs does
type Usage struct {
	TotalBytes int64 `json:"total_bytes" yaml:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes" yaml:"used_bytes"`
	Files      int   `json:"files" yaml:"files"`
}

// Usage reports the image size, the bytes covered by partitions and the
// number of files.
func (f *FS) Usage() Usage {
	u := Usage{TotalBytes: f.imageSize, Files: len(f.parts)}
	for _, p := range f.parts {
		u.UsedBytes += p.Size
	}
	return u
}

// Open implements fs.FS
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return &rootDir{fsys: f}, nil
	}

	p, ok := f.lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	rd, err := f.src.Reader(p.Name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fmt.Errorf("%w: %w", fs.ErrPermission, err)}
	}
	return &file{info: f.info(p), sr: rd.Section()}, nil
}

// ReadDir implements fs.ReadDirFS
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	if name != "." {
		if _, ok := f.lookup(name); ok {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
		}
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	return f.entries(0, len(f.parts)), nil
}

// Stat implements fs.StatFS
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return f.rootInfo(), nil
	}
	p, ok := f.lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return f.info(p), nil
}

// lookup ignores case, so "prodinfo.img" and "PRODINFO.img" name the same file
func (f *FS) lookup(name string) (disk.Partition, bool) {
	for _, p := range f.parts {
		if strings.EqualFold(name, fileName(p)) {
			return p, true
		}
	}
	return disk.Partition{}, false
}

func (f *FS) entries(from, to int) []fs.DirEntry {
	out := make([]fs.DirEntry, 0, to-from)
	for _, p := range f.parts[from:to] {
		out = append(out, fs.FileInfoToDirEntry(f.info(p)))
	}
	return out
}

func (f *FS) info(p disk.Partition) *fileInfo {
	return &fileInfo{name: fileName(p), size: p.Size, mode: FileMode, modTime: f.modTime, part: p}
}

func (f *FS) rootInfo() *fileInfo {
	return &fileInfo{name: ".", mode: DirMode, modTime: f.modTime}
}

func fileName(p disk.Partition) string {
	return p.Name + FileSuffix
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	part    disk.Partition
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return i.size }
func (i *fileInfo) Mode() fs.FileMode  { return i.mode }
func (i *fileInfo) ModTime() time.Time { return i.modTime }
func (i *fileInfo) IsDir() bool        { return i.mode.IsDir() }

// Sys returns the disk.Partition behind a file, nil for the root
func (i *fileInfo) Sys() any {
	if i.IsDir() {
		return nil
	}
	return i.part
}

// file is an open partition. Reads go through a SectionReader so the file
// supports Read, ReadAt and Seek.
type file struct {
	info *fileInfo

	mu     sync.Mutex
	sr     *io.SectionReader
	closed bool
}

var (
	_ io.ReaderAt = (*file)(nil)
	_ io.Seeker   = (*file)(nil)
)

func (fl *file) Stat() (fs.FileInfo, error) {
	return fl.info, nil
}

func (fl *file) Read(p []byte) (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return 0, fl.errClosed("read")
	}
	return fl.sr.Read(p)
}

func (fl *file) ReadAt(p []byte, off int64) (int, error) {
	fl.mu.Lock()
	closed := fl.closed
	fl.mu.Unlock()
	if closed {
		return 0, fl.errClosed("read")
	}
	return fl.sr.ReadAt(p, off)
}

func (fl *file) Seek(offset int64, whence int) (int64, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return 0, fl.errClosed("seek")
	}
	return fl.sr.Seek(offset, whence)
}

func (fl *file) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return fl.errClosed("close")
	}
	fl.closed = true
	return nil
}

func (fl *file) errClosed(op string) error {
	return &fs.PathError{Op: op, Path: fl.info.name, Err: fs.ErrClosed}
}

// rootDir is the open root directory
type rootDir struct {
	fsys   *FS
	offset int
}

func (d *rootDir) Stat() (fs.FileInfo, error) {
	return d.fsys.rootInfo(), nil
}

func (d *rootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: errors.New("is a directory")}
}

func (d *rootDir) Close() error {
	return nil
}

// ReadDir follows fs.ReadDirFile: n <= 0 returns everything left, n > 0
// returns at most n entries and io.EOF once the listing is exhausted.
func (d *rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	total := len(d.fsys.parts)
	if d.offset >= total {
		if n <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}

	end := total
	if n > 0 {
		end = min(d.offset+n, total)
	}
	out := d.fsys.entries(d.offset, end)
	d.offset = end
	return out, nil
}
