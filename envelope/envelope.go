// Package envelope seals and opens blobs under a principal's file key.
//
// Sealed format:
//
//	iv(16B) || AES-256-CFB(plaintext, key, iv)
//
// CFB is a feedback stream mode, so no padding is involved. It is not
// authenticated; OpenVerified checks the recovered plaintext against the
// content digest the blob is stored under, which is how a wrong key or a
// corrupt blob is told apart from a good one.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

const (
	// IVLen is the length of the random IV prefix in bytes.
	IVLen = aes.BlockSize

	// KeyLen is the required key length (AES-256).
	KeyLen = 32
)

// Seal encrypts plaintext under key with a fresh random IV.
func Seal(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	out := make([]byte, IVLen+len(plaintext))
	iv := out[:IVLen]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("envelope: random IV generation failed: %w", err)
	}

	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out[IVLen:], plaintext)
	return out, nil
}

// Open decrypts a sealed blob. A wrong-sized key or a blob shorter than the
// IV fails with ErrDecryptionFailed. A wrong key of the right size cannot be
// detected here; use OpenVerified when the content digest is known.
func Open(sealed, key []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrDecryptionFailed, KeyLen, len(key))
	}
	if len(sealed) < IVLen {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, ErrShortCiphertext)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext := make([]byte, len(sealed)-IVLen)
	cipher.NewCFBDecrypter(block, sealed[:IVLen]).XORKeyStream(plaintext, sealed[IVLen:])
	return plaintext, nil
}

// OpenVerified decrypts a sealed blob and checks SHA256(plaintext) == digest.
func OpenVerified(sealed, key []byte, digest [sha256.Size]byte) ([]byte, error) {
	plaintext, err := Open(sealed, key)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(plaintext)
	if subtle.ConstantTimeCompare(sum[:], digest[:]) != 1 {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, ErrDigestMismatch)
	}
	return plaintext, nil
}

// Overhead returns the number of bytes Seal adds to a plaintext.
func Overhead() int { return IVLen }
