package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// PartitionTarget selects a byte range of one partition across commands.
// A zero Length means "to the end of the partition".
type PartitionTarget struct {
	Name   string
	Offset int64
	Length int64
}

// Validate ensures the partition target is valid
func (pt *PartitionTarget) Validate() error {
	if strings.TrimSpace(pt.Name) == "" {
		return errors.New("partition name is required")
	}
	if pt.Offset < 0 {
		return fmt.Errorf("offset must not be negative, got %d", pt.Offset)
	}
	if pt.Length < 0 {
		return fmt.Errorf("length must not be negative, got %d", pt.Length)
	}
	return nil
}

// Span returns the length to read from a partition of the given size
func (pt *PartitionTarget) Span(size int64) int64 {
	if pt.Offset >= size {
		return 0
	}
	if pt.Length == 0 || pt.Length > size-pt.Offset {
		return size - pt.Offset
	}
	return pt.Length
}

// String returns a string representation of the partition target
func (pt *PartitionTarget) String() string {
	switch {
	case pt.Offset == 0 && pt.Length == 0:
		return "Partition: " + pt.Name
	case pt.Length == 0:
		return fmt.Sprintf("Partition: %s from 0x%x", pt.Name, pt.Offset)
	default:
		return fmt.Sprintf("Partition: %s [0x%x, 0x%x)", pt.Name, pt.Offset, pt.Offset+pt.Length)
	}
}

// ProgressUpdate represents progress information
type ProgressUpdate struct {
	Message     string
	Completed   int64
	Total       int64
	StartedAt   time.Time
	ElapsedTime time.Duration
}

// Percent calculates completion percentage
func (p *ProgressUpdate) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return int((p.Completed * 100) / p.Total)
}

// Rate calculates bytes per second
func (p *ProgressUpdate) Rate() float64 {
	if p.ElapsedTime == 0 {
		return 0
	}
	return float64(p.Completed) / p.ElapsedTime.Seconds()
}

// ETA estimates time to completion
func (p *ProgressUpdate) ETA() time.Duration {
	if p.Completed == 0 || p.Total == 0 {
		return 0
	}
	rate := p.Rate()
	if rate == 0 {
		return 0
	}
	remaining := p.Total - p.Completed
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// Status returns the message with throughput and time left once a rate is known
func (p *ProgressUpdate) Status() string {
	rate := p.Rate()
	if rate == 0 {
		return p.Message
	}
	return fmt.Sprintf("%s (%s/s, %s left)", p.Message, FormatBytes(int64(rate)), p.ETA().Round(time.Second))
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeKeyMaterial       = "KEY_MATERIAL"
	ErrCodeImageAccess       = "IMAGE_ACCESS"
	ErrCodePartitionTable    = "PARTITION_TABLE"
	ErrCodePartitionNotFound = "PARTITION_NOT_FOUND"
	ErrCodeDecrypt           = "DECRYPT"
	ErrCodePermission        = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapError converts err into a CommonError whose code follows the
// underlying failure. CommonErrors pass through unchanged.
func WrapError(message string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommonError
	if errors.As(err, &ce) {
		return err
	}
	return NewError(codeFor(err), message, err)
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidKeyMaterial):
		return ErrCodeKeyMaterial
	case errors.Is(err, types.ErrPartitionNotFound):
		return ErrCodePartitionNotFound
	case errors.Is(err, types.ErrInvalidGPT):
		return ErrCodePartitionTable
	case errors.Is(err, types.ErrInvalidCipherInput):
		return ErrCodeDecrypt
	case errors.Is(err, types.ErrOutOfRange):
		return ErrCodeInvalidInput
	case errors.Is(err, fs.ErrPermission):
		return ErrCodePermission
	case errors.Is(err, types.ErrBackingStore), errors.Is(err, fs.ErrNotExist):
		return ErrCodeImageAccess
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}
