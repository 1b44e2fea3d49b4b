// Package keys turns a principal's raw secret into the symmetric key used to
// seal blobs, and protects that raw secret at rest under the application
// master key.
//
// Derivation formula:
//
//	file_key = HKDF-SHA256(raw_secret, KDFSalt, "sealvault-file-encryption")
//	key_id   = hex(HKDF-SHA256(file_key, KDFSalt, "sealvault-key-id")[:8])
//
// Both steps are deterministic and one-way: neither the key nor its id can be
// turned back into the raw secret.
package keys

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KDFSalt is the fixed HKDF salt. It only separates this application's
	// keys from other uses of the same secret.
	KDFSalt = "sealvault-v1"

	// HKDFInfo is the info string for the file encryption key.
	HKDFInfo = "sealvault-file-encryption"

	// HKDFKeyIDInfo is the info string for the key fingerprint.
	HKDFKeyIDInfo = "sealvault-key-id"

	// KeyLen is the length of a derived AES-256 key in bytes.
	KeyLen = 32

	// KeyIDLen is the number of fingerprint bytes carried in a key id.
	KeyIDLen = 8
)

// Key is a derived AES-256 file encryption key.
type Key []byte

// Equal reports whether k and other hold the same key, in constant time.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && subtle.ConstantTimeCompare(k, other) == 1
}

// ID returns the key's fingerprint, the value stored in a sealed blob's
// encoding tag. It returns "" for an empty key.
func (k Key) ID() string {
	if len(k) == 0 {
		return ""
	}
	id, err := expand(k, HKDFKeyIDInfo, KeyIDLen)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(id)
}

// Derive derives the file encryption key for a raw secret.
// The same secret always yields the same key.
func Derive(rawSecret string) (Key, error) {
	if rawSecret == "" {
		return nil, ErrEmptySecret
	}
	key, err := expand([]byte(rawSecret), HKDFInfo, KeyLen)
	if err != nil {
		return nil, err
	}
	return Key(key), nil
}

func expand(ikm []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, []byte(KDFSalt), []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHKDFFailure, err)
	}
	return out, nil
}
