package keys

import (
	"strings"

	"github.com/deploymenttheory/go-switchfs/internal/types"
)

var partitionKeys = map[string]KeyIndex{
	types.PartitionProdInfo:  types.BISKeyCalibration,
	types.PartitionProdInfoF: types.BISKeyCalibration,
	types.PartitionSafe:      types.BISKeySafe,
	types.PartitionSystem:    types.BISKeySystem,
	types.PartitionUser:      types.BISKeyUser,
}

// IndexForPartition returns the BIS key slot for a GPT partition name, or
// NoEncryption for partitions stored in cleartext.
func IndexForPartition(name string) KeyIndex {
	if idx, ok := partitionKeys[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return idx
	}
	return NoEncryption
}
