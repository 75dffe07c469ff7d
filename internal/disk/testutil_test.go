package disk

import (
	"testing"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-switchfs/internal/testutil"
)

var basicDataGUID = testutil.BasicDataGUID

const (
	testEntriesLBA = testutil.EntriesLBA
	testEntryCount = testutil.EntryCount
)

func guidToDisk(u uuid.UUID) []byte {
	return testutil.GUIDToDisk(u)
}

// smallNAND returns a scaled-down NAND: one encrypted FAT partition per BIS
// key plus a cleartext package partition.
func smallNAND(t *testing.T) ([]byte, []testutil.Partition) {
	t.Helper()
	img := testutil.StandardImage(t)
	return img.Data, img.Partitions
}
