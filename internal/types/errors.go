package types

import "errors"

var (
	// Key material errors: wrong key length, unparseable key dump, unknown key-type label.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// Cipher input errors: buffer length not a sector multiple, bad sector size, bad skip.
	ErrInvalidCipherInput = errors.New("invalid cipher input")

	// Backing store errors: read failure or short read inside the expected bounds.
	ErrBackingStore = errors.New("backing store error")

	// Request errors: negative offset or length.
	ErrOutOfRange = errors.New("request out of range")

	// Partition table errors
	ErrInvalidGPT        = errors.New("invalid GPT")
	ErrPartitionNotFound = errors.New("partition not found")
)
