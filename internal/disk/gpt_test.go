package disk

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/testutil"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

func TestReadGPT(t *testing.T) {
	image, want := smallNAND(t)

	gpt, err := ReadGPT(bytes.NewReader(image))
	require.NoError(t, err)
	require.Len(t, gpt.Partitions, len(want))

	assert.Equal(t, uint32(testEntryCount), gpt.Header.EntryCount)
	assert.Equal(t, testutil.DiskGUID, gpt.Header.DiskGUID)

	for i, p := range gpt.Partitions {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, want[i].Name, p.Name)
		assert.Equal(t, basicDataGUID, p.TypeGUID)
		assert.Equal(t, want[i].Unique, p.UniqueGUID)
		assert.Equal(t, int64(want[i].FirstLBA)*0x200, p.Offset)
		assert.Equal(t, int64(want[i].LastLBA+1)*0x200, p.End(), "last LBA is inclusive")
	}

	byName := map[string]keys.KeyIndex{}
	for _, p := range gpt.Partitions {
		byName[p.Name] = p.KeyIndex
	}
	assert.Equal(t, keys.KeyIndex(0), byName["PRODINFO"])
	assert.Equal(t, keys.NoEncryption, byName["BCPKG2-1-Normal-Main"])
	assert.Equal(t, keys.KeyIndex(1), byName["SAFE"])
	assert.Equal(t, keys.KeyIndex(2), byName["SYSTEM"])
	assert.Equal(t, keys.KeyIndex(3), byName["USER"])
}

func TestReadGPTRejectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		offset int
	}{
		{name: "bad magic", offset: types.GPTHeaderOffset},
		{name: "header crc", offset: types.GPTHeaderOffset + types.GPTHeaderEntryCountOffset},
		{name: "entries crc", offset: testEntriesLBA*types.GPTLBASize + types.GPTEntryNameOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, _ := smallNAND(t)
			image[tt.offset] ^= 0xFF

			_, err := ReadGPT(bytes.NewReader(image))
			assert.ErrorIs(t, err, types.ErrInvalidGPT)
		})
	}
}

// withEntrySize rewrites the header's entry size and fixes up its checksum
func withEntrySize(t *testing.T, image []byte, size uint32) []byte {
	t.Helper()
	out := append([]byte{}, image...)
	hdr := out[types.GPTHeaderOffset : types.GPTHeaderOffset+types.GPTHeaderSize]
	binary.LittleEndian.PutUint32(hdr[types.GPTHeaderEntrySizeOffset:], size)
	binary.LittleEndian.PutUint32(hdr[types.GPTHeaderCRCOffset:], headerCRC(hdr))
	return out
}

func TestParseGPTHeaderEntrySize(t *testing.T) {
	image, _ := smallNAND(t)

	for _, size := range []uint32{0, 64, 130, types.GPTMaxEntrySize + 8, 0xFFFFFFF8} {
		raw := withEntrySize(t, image, size)[types.GPTHeaderOffset:]
		_, err := ParseGPTHeader(raw)
		assert.ErrorIs(t, err, types.ErrInvalidGPT, "entry size %d", size)
	}

	h, err := ParseGPTHeader(withEntrySize(t, image, types.GPTMaxEntrySize)[types.GPTHeaderOffset:])
	require.NoError(t, err)
	assert.Equal(t, uint32(types.GPTMaxEntrySize), h.EntrySize)
}

func TestReadGPTOversizedEntries(t *testing.T) {
	image, _ := smallNAND(t)
	_, err := ReadGPT(bytes.NewReader(withEntrySize(t, image, 0x80000000)))
	assert.ErrorIs(t, err, types.ErrInvalidGPT)
}

func TestReadGPTTruncatedImage(t *testing.T) {
	_, err := ReadGPT(bytes.NewReader(make([]byte, 0x100)))
	assert.ErrorIs(t, err, types.ErrBackingStore)
}

func TestParseGPTHeaderShort(t *testing.T) {
	_, err := ParseGPTHeader([]byte(types.GPTSignature))
	assert.ErrorIs(t, err, types.ErrInvalidGPT)
}

func TestGUIDFromDisk(t *testing.T) {
	onDisk := []byte{
		0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44,
		0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7,
	}
	assert.Equal(t, basicDataGUID, guidFromDisk(onDisk))
	assert.Equal(t, onDisk, guidToDisk(basicDataGUID))
}

func TestDecodeName(t *testing.T) {
	raw := []byte{'S', 0, 'A', 0, 'F', 0, 'E', 0, 0, 0, 'X', 0}
	name, err := decodeName(raw)
	require.NoError(t, err)
	assert.Equal(t, "SAFE", name)
}

func TestKnownLayout(t *testing.T) {
	parts := KnownLayout()
	require.Len(t, parts, len(types.KnownPartitions))

	user, err := FindPartition(parts, "USER")
	require.NoError(t, err)
	assert.Equal(t, int64(0xA7800000), user.Offset)
	assert.Equal(t, int64(0x680000000), user.Size)
	assert.Equal(t, keys.KeyIndex(types.BISKeyUser), user.KeyIndex)
	assert.Equal(t, user.End(), int64(user.LastLBA+1)*types.GPTLBASize)

	pkg, err := FindPartition(parts, "bcpkg2-1-normal-main.img")
	require.NoError(t, err)
	assert.False(t, pkg.Encrypted())
}
