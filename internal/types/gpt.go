package types

// GPT (GUID Partition Table) header and partition entry layout
// Reference: UEFI Specification Part 1, Chapter 5
const (
	GPTLBASize      = 0x200 // Logical block size used by the Switch eMMC
	GPTHeaderOffset = 0x200 // LBA 1: Primary GPT header location (byte offset)
	GPTHeaderSize   = 0x5C  // Bytes of the header covered by the header CRC32
	GPTSignature    = "EFI PART"

	// Header field offsets (little-endian)
	GPTHeaderCRCOffset        = 0x10
	GPTHeaderCurrentLBAOffset = 0x18
	GPTHeaderBackupLBAOffset  = 0x20
	GPTHeaderFirstUsableLBA   = 0x28
	GPTHeaderLastUsableLBA    = 0x30
	GPTHeaderDiskGUIDOffset   = 0x38
	GPTHeaderEntriesLBAOffset = 0x48
	GPTHeaderEntryCountOffset = 0x50
	GPTHeaderEntrySizeOffset  = 0x54
	GPTHeaderEntriesCRCOffset = 0x58

	// Partition entry field offsets
	GPTEntryTypeGUIDOffset   = 0x00
	GPTEntryUniqueGUIDOffset = 0x10
	GPTEntryFirstLBAOffset   = 0x20
	GPTEntryLastLBAOffset    = 0x28 // Inclusive
	GPTEntryAttributesOffset = 0x30
	GPTEntryNameOffset       = 0x38 // UTF-16LE, NUL padded

	GPTMinEntrySize  = 128
	GPTMaxEntrySize  = 4096
	GPTMaxEntryCount = 1024
)
