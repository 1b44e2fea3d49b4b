package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DigestSize is the length of a content digest (SHA256 output = 32 bytes).
const DigestSize = sha256.Size

// Digest addresses a blob. For uploaded content it is SHA256(plaintext);
// for blobs re-sealed by key rotation it is SHA256(ciphertext).
type Digest [DigestSize]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromBytes copies a 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// String returns the lowercase hex form of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}
