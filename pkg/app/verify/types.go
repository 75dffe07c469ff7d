package verify

import (
	"time"

	"github.com/deploymenttheory/go-switchfs/internal/services"
)

// Request represents an image verification request
type Request struct {
	ImagePath string
	KeysPath  string
	NoGPT     bool
}

// Response represents verification results
type Response struct {
	Image      string                 `json:"image" yaml:"image"`
	GPT        GPTStatus              `json:"gpt" yaml:"gpt"`
	Partitions []services.VerifyResult `json:"partitions" yaml:"partitions"`
	OK         bool                   `json:"ok" yaml:"ok"`
	Elapsed    time.Duration          `json:"elapsed" yaml:"elapsed"`
}

// GPTStatus is the outcome of the partition table check
type GPTStatus struct {
	Checked bool   `json:"checked" yaml:"checked"`
	Valid   bool   `json:"valid" yaml:"valid"`
	Entries int    `json:"entries" yaml:"entries"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Failures counts partitions that decrypted to the wrong structure or
// could not be read
func (r *Response) Failures() int {
	n := 0
	for _, p := range r.Partitions {
		if p.Status == services.VerifyMismatch || p.Status == services.VerifyReadError {
			n++
		}
	}
	return n
}
