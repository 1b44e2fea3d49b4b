package account

import "errors"

var (
	// ErrNotFound indicates no principal exists with the given ID.
	ErrNotFound = errors.New("account: principal not found")

	// ErrExists indicates a principal with the given ID is already registered.
	ErrExists = errors.New("account: principal already exists")

	// ErrEmptyID indicates a principal ID is empty.
	ErrEmptyID = errors.New("account: principal id is empty")

	// ErrInvalidQuota indicates a negative storage quota.
	ErrInvalidQuota = errors.New("account: storage quota must not be negative")

	// ErrCorrupt indicates a stored principal record could not be decoded.
	ErrCorrupt = errors.New("account: principal record corrupt")
)
