package audit

import "errors"

var (
	// ErrInvalidEvent indicates an event is missing its principal or action.
	ErrInvalidEvent = errors.New("audit: invalid event")

	// ErrCorrupt indicates a stored event could not be decoded.
	ErrCorrupt = errors.New("audit: event corrupt")
)
