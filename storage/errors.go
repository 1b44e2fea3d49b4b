package storage

import "errors"

var (
	// ErrNotFound indicates no blob is recorded for the given digest.
	ErrNotFound = errors.New("storage: content not found")

	// ErrBlobMissing indicates the index records a blob whose bytes are
	// absent from disk.
	ErrBlobMissing = errors.New("storage: blob bytes missing on disk")

	// ErrInvalidDigest indicates a digest is not exactly 32 bytes.
	ErrInvalidDigest = errors.New("storage: digest must be 32 bytes")

	// ErrIOFailure indicates a file read/write error.
	ErrIOFailure = errors.New("storage: I/O failure")

	// ErrEmptyContent indicates an attempt to store empty content.
	ErrEmptyContent = errors.New("storage: content is empty")

	// ErrInvalidBaseDir indicates the base directory path is invalid.
	ErrInvalidBaseDir = errors.New("storage: invalid base directory")

	// ErrIndexCorrupt indicates an index row could not be decoded.
	ErrIndexCorrupt = errors.New("storage: index row corrupt")
)
