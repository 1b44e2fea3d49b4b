package storage

import "fmt"

// EncodingKind tells how a blob's bytes relate to the plaintext.
type EncodingKind uint8

const (
	// EncodingPlain means the blob holds the plaintext itself.
	EncodingPlain EncodingKind = iota

	// EncodingSealed means the blob holds an envelope-sealed ciphertext.
	EncodingSealed
)

// Encoding is attached to a blob when it is first written. Readers dispatch
// on it instead of re-checking whether a key happens to be configured.
type Encoding struct {
	Kind  EncodingKind
	KeyID string // fingerprint of the sealing key; empty for plain blobs
}

// Plain returns the encoding of an unencrypted blob.
func Plain() Encoding { return Encoding{Kind: EncodingPlain} }

// Sealed returns the encoding of a blob sealed under the key with keyID.
func Sealed(keyID string) Encoding { return Encoding{Kind: EncodingSealed, KeyID: keyID} }

// IsSealed reports whether the blob is encrypted.
func (e Encoding) IsSealed() bool { return e.Kind == EncodingSealed }

// String returns "plain" or "sealed:<key id>".
func (e Encoding) String() string {
	switch e.Kind {
	case EncodingPlain:
		return "plain"
	case EncodingSealed:
		return "sealed:" + e.KeyID
	default:
		return fmt.Sprintf("unknown(%d)", e.Kind)
	}
}
