package envelope

import "errors"

var (
	// ErrInvalidKey indicates the sealing key is not 32 bytes.
	ErrInvalidKey = errors.New("envelope: invalid key")

	// ErrDecryptionFailed indicates the blob could not be opened with the key.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")

	// ErrShortCiphertext indicates the blob is shorter than its IV prefix.
	ErrShortCiphertext = errors.New("envelope: ciphertext shorter than IV")

	// ErrDigestMismatch indicates the opened plaintext does not hash to the
	// expected content digest.
	ErrDigestMismatch = errors.New("envelope: plaintext digest mismatch")
)
