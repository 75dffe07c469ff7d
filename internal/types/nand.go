package types

// Nintendo Switch NAND (built-in storage) layout
// The eMMC user area is GPT partitioned. PRODINFO, PRODINFOF, SAFE, SYSTEM and
// USER are encrypted with AES-XTS-N using one of the four BIS key pairs. The
// BCPKG2 package partitions are stored in cleartext.

const (
	// XTSNBlockSize is the AES block size the tweak schedule advances over.
	XTSNBlockSize = 16

	// NANDSectorSize is the XTS-N data unit used by the firmware for BIS partitions.
	NANDSectorSize = 0x4000

	// BISKeyCount is the number of BIS key pairs (key generations 0-3).
	BISKeyCount = 4
)

// BIS key slots
const (
	BISKeyCalibration = 0 // PRODINFO, PRODINFOF
	BISKeySafe        = 1 // SAFE
	BISKeySystem      = 2 // SYSTEM
	BISKeyUser        = 3 // USER
)

// Partition names as they appear in the GPT
const (
	PartitionProdInfo  = "PRODINFO"
	PartitionProdInfoF = "PRODINFOF"
	PartitionSafe      = "SAFE"
	PartitionSystem    = "SYSTEM"
	PartitionUser      = "USER"
)

// KnownPartition describes a partition at a fixed position in a retail NAND.
type KnownPartition struct {
	Name   string
	Offset int64
	Size   int64
}

// KnownPartitions is the partition layout of a retail 32 GB eMMC.
// Used when the GPT is missing or damaged.
var KnownPartitions = []KnownPartition{
	{Name: "PRODINFO", Offset: 0x4400, Size: 0x3FBC00},
	{Name: "PRODINFOF", Offset: 0x400000, Size: 0x400000},
	{Name: "BCPKG2-1-Normal-Main", Offset: 0x800000, Size: 0x800000},
	{Name: "BCPKG2-2-Normal-Sub", Offset: 0x1000000, Size: 0x800000},
	{Name: "BCPKG2-3-SafeMode-Main", Offset: 0x1800000, Size: 0x800000},
	{Name: "BCPKG2-4-SafeMode-Sub", Offset: 0x2000000, Size: 0x800000},
	{Name: "BCPKG2-5-Repair-Main", Offset: 0x2800000, Size: 0x800000},
	{Name: "BCPKG2-6-Repair-Sub", Offset: 0x3000000, Size: 0x800000},
	{Name: "SAFE", Offset: 0x3800000, Size: 0x4000000},
	{Name: "SYSTEM", Offset: 0x7800000, Size: 0xA0000000},
	{Name: "USER", Offset: 0xA7800000, Size: 0x680000000},
}

// Magic values used to sanity check decrypted partitions
const (
	CAL0Magic         = "CAL0" // PRODINFO calibration blob
	FATBootSigOffset  = 0x1FE
	FATBootSignature0 = 0x55
	FATBootSignature1 = 0xAA
)
