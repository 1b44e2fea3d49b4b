package keys

import "errors"

var (
	// ErrEmptySecret indicates an empty raw secret was supplied for derivation.
	ErrEmptySecret = errors.New("keys: raw secret is empty")

	// ErrInvalidKeyMaterial indicates an unwrapped secret could not be decoded.
	ErrInvalidKeyMaterial = errors.New("keys: invalid key material")

	// ErrMasterKeyUnavailable indicates no application master key is configured.
	ErrMasterKeyUnavailable = errors.New("keys: master key not configured")

	// ErrKeyUnwrapFailed indicates a wrapped secret is truncated, corrupt, or
	// was wrapped under a different master key.
	ErrKeyUnwrapFailed = errors.New("keys: wrapped secret could not be unwrapped")

	// ErrHKDFFailure indicates HKDF key derivation failed.
	ErrHKDFFailure = errors.New("keys: HKDF key derivation failed")
)
