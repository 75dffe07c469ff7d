package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// GPTHeader is the primary GPT header found at LBA 1.
type GPTHeader struct {
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	EntriesLBA     uint64
	EntryCount     uint32
	EntrySize      uint32
	HeaderCRC      uint32
	EntriesCRC     uint32
}

// Partition is one NAND partition: its GPT entry plus the byte range and BIS
// key slot derived from it.
type Partition struct {
	Index      int
	Name       string
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64 // inclusive
	Attributes uint64

	// Offset and Size are the partition's byte range inside the image
	Offset int64
	Size   int64

	// KeyIndex is the BIS key slot, or keys.NoEncryption for cleartext partitions
	KeyIndex keys.KeyIndex
}

// Encrypted reports whether the partition is stored under a BIS key.
func (p Partition) Encrypted() bool {
	return p.KeyIndex.Valid()
}

// End returns the byte offset just past the partition.
func (p Partition) End() int64 {
	return p.Offset + p.Size
}

// FileName is the name the partition is exposed under.
func (p Partition) FileName() string {
	return p.Name + ".img"
}

// GPT is a parsed and checksum-verified partition table.
type GPT struct {
	Header     GPTHeader
	Partitions []Partition
}

// ReadGPT reads the primary GPT from r and verifies both CRC32 checksums.
// Unused entries (zero type GUID) are skipped.
func ReadGPT(r io.ReaderAt) (*GPT, error) {
	raw := make([]byte, types.GPTHeaderSize)
	if _, err := r.ReadAt(raw, types.GPTHeaderOffset); err != nil {
		return nil, fmt.Errorf("reading GPT header: %w: %w", types.ErrBackingStore, err)
	}

	header, err := ParseGPTHeader(raw)
	if err != nil {
		return nil, err
	}

	entries := make([]byte, int(header.EntryCount)*int(header.EntrySize))
	entriesAt := int64(header.EntriesLBA) * types.GPTLBASize
	if _, err := r.ReadAt(entries, entriesAt); err != nil {
		return nil, fmt.Errorf("reading GPT entries at 0x%x: %w: %w", entriesAt, types.ErrBackingStore, err)
	}

	if got := crc32.ChecksumIEEE(entries); got != header.EntriesCRC {
		return nil, fmt.Errorf("GPT partition table crc32 mismatch (expected %08x, got %08x): %w", header.EntriesCRC, got, types.ErrInvalidGPT)
	}

	parts, err := parseEntries(entries, header.EntrySize)
	if err != nil {
		return nil, err
	}
	return &GPT{Header: *header, Partitions: parts}, nil
}

// ParseGPTHeader decodes and verifies a raw GPT header. raw must hold at
// least the 0x5C bytes covered by the header checksum.
func ParseGPTHeader(raw []byte) (*GPTHeader, error) {
	if len(raw) < types.GPTHeaderSize {
		return nil, fmt.Errorf("GPT header is %d bytes, want %d: %w", len(raw), types.GPTHeaderSize, types.ErrInvalidGPT)
	}
	raw = raw[:types.GPTHeaderSize]

	if string(raw[:len(types.GPTSignature)]) != types.GPTSignature {
		return nil, fmt.Errorf("GPT header magic not found: %w", types.ErrInvalidGPT)
	}

	le := binary.LittleEndian
	h := &GPTHeader{
		HeaderCRC:      le.Uint32(raw[types.GPTHeaderCRCOffset:]),
		CurrentLBA:     le.Uint64(raw[types.GPTHeaderCurrentLBAOffset:]),
		BackupLBA:      le.Uint64(raw[types.GPTHeaderBackupLBAOffset:]),
		FirstUsableLBA: le.Uint64(raw[types.GPTHeaderFirstUsableLBA:]),
		LastUsableLBA:  le.Uint64(raw[types.GPTHeaderLastUsableLBA:]),
		DiskGUID:       guidFromDisk(raw[types.GPTHeaderDiskGUIDOffset:]),
		EntriesLBA:     le.Uint64(raw[types.GPTHeaderEntriesLBAOffset:]),
		EntryCount:     le.Uint32(raw[types.GPTHeaderEntryCountOffset:]),
		EntrySize:      le.Uint32(raw[types.GPTHeaderEntrySizeOffset:]),
		EntriesCRC:     le.Uint32(raw[types.GPTHeaderEntriesCRCOffset:]),
	}

	if got := headerCRC(raw); got != h.HeaderCRC {
		return nil, fmt.Errorf("GPT header crc32 mismatch (expected %08x, got %08x): %w", h.HeaderCRC, got, types.ErrInvalidGPT)
	}
	if h.EntrySize < types.GPTMinEntrySize || h.EntrySize > types.GPTMaxEntrySize || h.EntrySize%8 != 0 {
		return nil, fmt.Errorf("invalid GPT entry size %d: %w", h.EntrySize, types.ErrInvalidGPT)
	}
	if h.EntryCount == 0 || h.EntryCount > types.GPTMaxEntryCount {
		return nil, fmt.Errorf("invalid GPT entry count %d: %w", h.EntryCount, types.ErrInvalidGPT)
	}
	return h, nil
}

// headerCRC is the CRC32 of the header with its own checksum field zeroed.
func headerCRC(raw []byte) uint32 {
	buf := make([]byte, types.GPTHeaderSize)
	copy(buf, raw)
	clear(buf[types.GPTHeaderCRCOffset : types.GPTHeaderCRCOffset+4])
	return crc32.ChecksumIEEE(buf)
}

func parseEntries(entries []byte, entrySize uint32) ([]Partition, error) {
	le := binary.LittleEndian
	var parts []Partition

	for off := 0; off+int(entrySize) <= len(entries); off += int(entrySize) {
		entry := entries[off : off+int(entrySize)]
		typeGUID := guidFromDisk(entry[types.GPTEntryTypeGUIDOffset:])
		if typeGUID == uuid.Nil {
			continue
		}

		first := le.Uint64(entry[types.GPTEntryFirstLBAOffset:])
		last := le.Uint64(entry[types.GPTEntryLastLBAOffset:])
		if last < first {
			return nil, fmt.Errorf("GPT entry %d ends before it starts (LBA %d-%d): %w", off/int(entrySize), first, last, types.ErrInvalidGPT)
		}

		name, err := decodeName(entry[types.GPTEntryNameOffset:types.GPTMinEntrySize])
		if err != nil {
			return nil, fmt.Errorf("GPT entry %d name: %w", off/int(entrySize), err)
		}

		parts = append(parts, Partition{
			Index:      len(parts),
			Name:       name,
			TypeGUID:   typeGUID,
			UniqueGUID: guidFromDisk(entry[types.GPTEntryUniqueGUIDOffset:]),
			FirstLBA:   first,
			LastLBA:    last,
			Attributes: le.Uint64(entry[types.GPTEntryAttributesOffset:]),
			Offset:     int64(first) * types.GPTLBASize,
			Size:       int64(last-first+1) * types.GPTLBASize,
			KeyIndex:   keys.IndexForPartition(name),
		})
	}
	return parts, nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeName decodes a NUL padded UTF-16LE partition name.
func decodeName(raw []byte) (string, error) {
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			raw = raw[:i]
			break
		}
	}
	name, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// guidFromDisk converts the mixed-endian on-disk GUID layout to a uuid.UUID.
// The first three fields are stored little-endian.
func guidFromDisk(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	reverse(u[0:4])
	reverse(u[4:6])
	reverse(u[6:8])
	return u
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// KnownLayout returns the retail partition layout for images whose GPT is
// unavailable.
func KnownLayout() []Partition {
	parts := make([]Partition, 0, len(types.KnownPartitions))
	for i, kp := range types.KnownPartitions {
		parts = append(parts, Partition{
			Index:    i,
			Name:     kp.Name,
			FirstLBA: uint64(kp.Offset / types.GPTLBASize),
			LastLBA:  uint64((kp.Offset+kp.Size)/types.GPTLBASize) - 1,
			Offset:   kp.Offset,
			Size:     kp.Size,
			KeyIndex: keys.IndexForPartition(kp.Name),
		})
	}
	return parts
}
