package list

import (
	"time"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Request represents a partition listing request
type Request struct {
	ImagePath string
	KeysPath  string
	NoGPT     bool
}

// Response represents the partitions of an image
type Response struct {
	Image      ImageInfo       `json:"image" yaml:"image"`
	Partitions []PartitionInfo `json:"partitions" yaml:"partitions"`
	ListTime   time.Duration   `json:"list_time" yaml:"list_time"`
}

// ImageInfo describes the NAND image
type ImageInfo struct {
	Path       string `json:"path" yaml:"path"`
	Size       int64  `json:"size" yaml:"size"`
	DeviceType string `json:"device_type" yaml:"device_type"`
	Method     string `json:"discovery" yaml:"discovery"`
	KeysLoaded []int  `json:"keys_loaded" yaml:"keys_loaded"`
}

// PartitionInfo describes one partition
type PartitionInfo struct {
	Index      int    `json:"index" yaml:"index"`
	Name       string `json:"name" yaml:"name"`
	Offset     int64  `json:"offset" yaml:"offset"`
	Size       int64  `json:"size" yaml:"size"`
	KeyIndex   string `json:"bis_key" yaml:"bis_key"`
	Encrypted  bool   `json:"encrypted" yaml:"encrypted"`
	Readable   bool   `json:"readable" yaml:"readable"`
	TypeGUID   string `json:"type_guid" yaml:"type_guid"`
	UniqueGUID string `json:"unique_guid" yaml:"unique_guid"`
}

// FormatSize returns a human-readable size string
func (p *PartitionInfo) FormatSize() string {
	return app.FormatBytes(p.Size)
}
