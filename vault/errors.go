package vault

import "errors"

var (
	// ErrMissingField indicates a required request field is empty.
	ErrMissingField = errors.New("vault: missing required field")

	// ErrEmptyContent indicates an upload of zero bytes.
	ErrEmptyContent = errors.New("vault: content is empty")

	// ErrTooLarge indicates an upload above the configured size limit.
	ErrTooLarge = errors.New("vault: content exceeds upload size limit")

	// ErrQuotaExceeded indicates the principal has too little quota left.
	ErrQuotaExceeded = errors.New("vault: storage quota exceeded")

	// ErrUnknownPrincipal indicates the caller is not a registered principal.
	ErrUnknownPrincipal = errors.New("vault: unknown principal")

	// ErrFileNotFound indicates no file exists with the given ID.
	ErrFileNotFound = errors.New("vault: file not found")

	// ErrDigestNotFound indicates no shareable content exists for a digest,
	// or a file's stored bytes are gone.
	ErrDigestNotFound = errors.New("vault: content not found for digest")

	// ErrForbidden indicates the file exists but belongs to someone else.
	ErrForbidden = errors.New("vault: file belongs to another principal")

	// ErrKeyUnavailable indicates the file is sealed but no usable key can
	// be derived for the caller.
	ErrKeyUnavailable = errors.New("vault: encryption key unavailable")

	// ErrKeyExists indicates an initial key was set on a principal that
	// already has one; use RotateKey instead.
	ErrKeyExists = errors.New("vault: principal already has a key")

	// ErrDecryptionFailed indicates sealed content did not open under the
	// caller's key.
	ErrDecryptionFailed = errors.New("vault: decryption failed")

	// ErrCorrupt indicates plain stored content does not match its digest.
	ErrCorrupt = errors.New("vault: stored content does not match its digest")

	// ErrRotationInProgress indicates a key rotation for the principal has
	// not reached a terminal state yet.
	ErrRotationInProgress = errors.New("vault: key rotation in progress")

	// ErrLocked indicates another process has the data directory open.
	ErrLocked = errors.New("vault: data directory is locked by another process")
)
