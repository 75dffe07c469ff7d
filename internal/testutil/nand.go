// Package testutil builds synthetic NAND images for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/deploymenttheory/go-switchfs/internal/crypto/xtsn"
	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// BasicDataGUID is the Microsoft basic data partition type used by the NAND
// FAT partitions.
var BasicDataGUID = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")

// DiskGUID is the disk GUID written into every synthetic header.
var DiskGUID = uuid.MustParse("11111111-2222-3333-4444-555555555555")

// GPT geometry of synthetic images
const (
	EntriesLBA = 2
	EntryCount = 128
	EntrySize  = 128
)

// Partition describes one GPT entry of a synthetic image. Contents, when
// set, is written at the start of the partition; encrypted partitions are
// encrypted with the BIS key that their name maps to.
type Partition struct {
	Name     string
	FirstLBA uint64
	LastLBA  uint64
	Unique   uuid.UUID
	Contents []byte
}

// Offset returns the byte offset of the partition
func (p Partition) Offset() int64 {
	return int64(p.FirstLBA) * types.GPTLBASize
}

// Size returns the byte size of the partition
func (p Partition) Size() int64 {
	return int64(p.LastLBA-p.FirstLBA+1) * types.GPTLBASize
}

// Hex key halves of KeyTable. Pair i uses crypt byte 0x10*i and tweak byte
// 0x10*i+8 so a wrong pair never decrypts another partition.
var keyHex = [types.BISKeyCount][2]string{
	{"000102030405060708090A0B0C0D0E0F", "808182838485868788898A8B8C8D8E8F"},
	{"101112131415161718191A1B1C1D1E1F", "909192939495969798999A9B9C9D9E9F"},
	{"202122232425262728292A2B2C2D2E2F", "A0A1A2A3A4A5A6A7A8A9AAABACADAEAF"},
	{"303132333435363738393A3B3C3D3E3F", "B0B1B2B3B4B5B6B7B8B9BABBBCBDBEBF"},
}

// KeyTable returns the fixed BIS keys used to encrypt synthetic images
func KeyTable(t testing.TB) *keys.KeyTable {
	t.Helper()
	pairs := make(map[keys.KeyIndex]keys.KeyPair, types.BISKeyCount)
	for i, kh := range keyHex {
		crypt, err := hex.DecodeString(kh[0])
		require.NoError(t, err)
		tweak, err := hex.DecodeString(kh[1])
		require.NoError(t, err)
		pair, err := keys.NewKeyPair(crypt, tweak)
		require.NoError(t, err)
		pairs[keys.KeyIndex(i)] = pair
	}
	kt, err := keys.NewKeyTable(pairs)
	require.NoError(t, err)
	return kt
}

// KeyDump renders KeyTable in the biskeydump text format
func KeyDump() string {
	var b bytes.Buffer
	b.WriteString("BIS Key Dump\n")
	for i, kh := range keyHex {
		b.WriteString("BIS KEY ")
		b.WriteByte(byte('0' + i))
		b.WriteString(" (crypt): " + kh[0] + "\n")
		b.WriteString("BIS KEY ")
		b.WriteByte(byte('0' + i))
		b.WriteString(" (tweak): " + kh[1] + "\n")
	}
	return b.String()
}

// FATBootSector returns a 512-byte sector carrying the 0x55AA signature
func FATBootSector(label string) []byte {
	sec := make([]byte, types.GPTLBASize)
	copy(sec, []byte{0xEB, 0x58, 0x90})
	copy(sec[3:], "MSDOS5.0")
	copy(sec[0x47:], label)
	sec[types.FATBootSigOffset] = types.FATBootSignature0
	sec[types.FATBootSigOffset+1] = types.FATBootSignature1
	return sec
}

// CAL0Header returns the first bytes of a PRODINFO calibration blob
func CAL0Header() []byte {
	head := make([]byte, 0x40)
	copy(head, types.CAL0Magic)
	binary.LittleEndian.PutUint32(head[0x04:], 7)
	binary.LittleEndian.PutUint32(head[0x08:], 0x7FC0)
	return head
}

// Pattern returns n bytes of a position-dependent pattern
func Pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) ^ byte(i>>8) ^ seed
	}
	return out
}

// StandardPartitions is a scaled-down retail layout: every BIS key
// generation plus a cleartext package partition. Every partition holds
// recognisable contents.
func StandardPartitions() []Partition {
	user := append(FATBootSector("USER"), Pattern(0x20000, 0x33)...)
	return []Partition{
		{Name: types.PartitionProdInfo, FirstLBA: 0x22, LastLBA: 0x7F, Unique: uuid.New(), Contents: append(CAL0Header(), Pattern(0x8000, 0x00)...)},
		{Name: "BCPKG2-1-Normal-Main", FirstLBA: 0x80, LastLBA: 0xFF, Unique: uuid.New(), Contents: Pattern(0x10000, 0xBC)},
		{Name: types.PartitionSafe, FirstLBA: 0x100, LastLBA: 0x17F, Unique: uuid.New(), Contents: FATBootSector("SAFE")},
		{Name: types.PartitionSystem, FirstLBA: 0x180, LastLBA: 0x1FF, Unique: uuid.New(), Contents: FATBootSector("SYSTEM")},
		{Name: types.PartitionUser, FirstLBA: 0x200, LastLBA: 0x3FF, Unique: uuid.New(), Contents: user},
	}
}

// Image is a synthetic NAND dump and the plaintext of its partitions
type Image struct {
	Data       []byte
	Partitions []Partition
	Plaintext  map[string][]byte
}

// BuildImage lays out parts in an image of size bytes with a valid primary
// GPT. Partitions with a BIS key are encrypted with KeyTable in 0x4000-byte
// sectors numbered from the partition start.
func BuildImage(t testing.TB, size int64, parts []Partition) *Image {
	t.Helper()
	img := &Image{
		Data:       make([]byte, size),
		Partitions: parts,
		Plaintext:  make(map[string][]byte, len(parts)),
	}
	writeGPT(t, img.Data, parts)

	kt := KeyTable(t)
	for _, p := range parts {
		require.LessOrEqual(t, p.Offset()+p.Size(), size, p.Name)

		plain := make([]byte, p.Size())
		copy(plain, p.Contents)
		img.Plaintext[p.Name] = plain

		idx := keys.IndexForPartition(p.Name)
		if !idx.Valid() {
			copy(img.Data[p.Offset():], plain)
			continue
		}

		c, err := kt.Cipher(idx)
		require.NoError(t, err)
		ss := int64(types.NANDSectorSize)
		padded := make([]byte, (p.Size()+ss-1)/ss*ss)
		copy(padded, plain)
		require.NoError(t, c.EncryptSectors(padded, padded, types.SectorIndexFromUint64(0), types.NANDSectorSize))
		copy(img.Data[p.Offset():p.Offset()+p.Size()], padded)
	}
	return img
}

// StandardImage builds StandardPartitions into an image just large enough
// to hold them.
func StandardImage(t testing.TB) *Image {
	t.Helper()
	return BuildImage(t, 0x400*types.GPTLBASize, StandardPartitions())
}

// WriteFile writes data to a file in a test temp directory and returns its path
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// Cipher returns a scheduled cipher for BIS key idx of KeyTable
func Cipher(t testing.TB, idx keys.KeyIndex) *xtsn.Cipher {
	t.Helper()
	c, err := KeyTable(t).Cipher(idx)
	require.NoError(t, err)
	return c
}

func writeGPT(t testing.TB, image []byte, parts []Partition) {
	le := binary.LittleEndian
	size := int64(len(image))
	utf16le := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	entries := image[EntriesLBA*types.GPTLBASize : EntriesLBA*types.GPTLBASize+EntryCount*EntrySize]
	for i, p := range parts {
		e := entries[i*EntrySize : (i+1)*EntrySize]
		copy(e[types.GPTEntryTypeGUIDOffset:], GUIDToDisk(BasicDataGUID))
		copy(e[types.GPTEntryUniqueGUIDOffset:], GUIDToDisk(p.Unique))
		le.PutUint64(e[types.GPTEntryFirstLBAOffset:], p.FirstLBA)
		le.PutUint64(e[types.GPTEntryLastLBAOffset:], p.LastLBA)

		name, err := utf16le.NewEncoder().Bytes([]byte(p.Name))
		require.NoError(t, err)
		copy(e[types.GPTEntryNameOffset:], name)
	}

	h := image[types.GPTHeaderOffset : types.GPTHeaderOffset+types.GPTHeaderSize]
	copy(h, types.GPTSignature)
	le.PutUint32(h[0x08:], 0x00010000) // revision 1.0
	le.PutUint32(h[0x0C:], types.GPTHeaderSize)
	le.PutUint64(h[types.GPTHeaderCurrentLBAOffset:], 1)
	le.PutUint64(h[types.GPTHeaderBackupLBAOffset:], uint64(size/types.GPTLBASize)-1)
	le.PutUint64(h[types.GPTHeaderFirstUsableLBA:], 34)
	le.PutUint64(h[types.GPTHeaderLastUsableLBA:], uint64(size/types.GPTLBASize)-34)
	copy(h[types.GPTHeaderDiskGUIDOffset:], GUIDToDisk(DiskGUID))
	le.PutUint64(h[types.GPTHeaderEntriesLBAOffset:], EntriesLBA)
	le.PutUint32(h[types.GPTHeaderEntryCountOffset:], EntryCount)
	le.PutUint32(h[types.GPTHeaderEntrySizeOffset:], EntrySize)
	le.PutUint32(h[types.GPTHeaderEntriesCRCOffset:], crc32.ChecksumIEEE(entries))
	le.PutUint32(h[types.GPTHeaderCRCOffset:], crc32.ChecksumIEEE(h))
}

// GUIDToDisk returns the mixed-endian on-disk form of u
func GUIDToDisk(u uuid.UUID) []byte {
	b := bytes.Clone(u[:])
	reverse(b[0:4])
	reverse(b[4:6])
	reverse(b[6:8])
	return b
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
