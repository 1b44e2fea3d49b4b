package registry

import "errors"

var (
	// ErrNotFound indicates no entry exists with the given ID, or it is not
	// owned by the requesting principal.
	ErrNotFound = errors.New("registry: file not found")

	// ErrMissingField indicates a required entry field is empty.
	ErrMissingField = errors.New("registry: missing required field")

	// ErrInvalidID indicates a file ID is not a valid UUID.
	ErrInvalidID = errors.New("registry: invalid file id")

	// ErrCorrupt indicates a stored entry could not be decoded.
	ErrCorrupt = errors.New("registry: entry corrupt")
)
