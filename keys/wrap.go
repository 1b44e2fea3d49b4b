package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const (
	// Wrapped secret format sizes.
	SaltLen  = 16
	NonceLen = 12
	TagLen   = 16

	// MinWrappedLen is the shortest well-formed wrapped secret.
	MinWrappedLen = SaltLen + NonceLen + TagLen

	wrapKeyLen = 32
)

// KDFParams are the Argon2id cost parameters used to stretch the master
// passphrase into a wrapping key.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams are the production Argon2id parameters.
var DefaultKDFParams = KDFParams{
	Time:    2,
	Memory:  19 * 1024,
	Threads: 1,
}

// MasterKey wraps and unwraps principals' raw secrets. It is built once at
// startup from configuration and passed to whatever needs it.
//
// A nil *MasterKey is valid and means no master key is configured: every
// method then fails with ErrMasterKeyUnavailable.
type MasterKey struct {
	passphrase []byte
	params     KDFParams

	// derived caches file keys by SHA256(wrapped) so the Argon2id cost is
	// paid once per wrapped value rather than once per request.
	derived sync.Map
}

// NewMasterKey returns a master key for passphrase. An empty passphrase yields
// (nil, ErrMasterKeyUnavailable).
func NewMasterKey(passphrase string, params KDFParams) (*MasterKey, error) {
	if passphrase == "" {
		return nil, ErrMasterKeyUnavailable
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultKDFParams
	}
	return &MasterKey{
		passphrase: []byte(passphrase),
		params:     params,
	}, nil
}

// Wrap encrypts a raw secret for storage.
//
// Output format: salt(16B) || nonce(12B) || AES-256-GCM(argon2id(master, salt), nonce, secret)
func (m *MasterKey) Wrap(rawSecret string) ([]byte, error) {
	if m == nil {
		return nil, ErrMasterKeyUnavailable
	}
	if rawSecret == "" {
		return nil, ErrEmptySecret
	}

	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keys: generate salt: %w", err)
	}

	gcm, err := m.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keys: generate nonce: %w", err)
	}

	out := make([]byte, 0, SaltLen+NonceLen+len(rawSecret)+TagLen)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(rawSecret), salt)
	return out, nil
}

// Unwrap recovers the raw secret from its wrapped form.
func (m *MasterKey) Unwrap(wrapped []byte) (string, error) {
	if m == nil {
		return "", ErrMasterKeyUnavailable
	}
	if len(wrapped) < MinWrappedLen {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrKeyUnwrapFailed, len(wrapped))
	}

	salt := wrapped[:SaltLen]
	nonce := wrapped[SaltLen : SaltLen+NonceLen]
	sealed := wrapped[SaltLen+NonceLen:]

	gcm, err := m.aead(salt)
	if err != nil {
		return "", err
	}
	secret, err := gcm.Open(nil, nonce, sealed, salt)
	if err != nil {
		return "", ErrKeyUnwrapFailed
	}
	if len(secret) == 0 || !utf8.Valid(secret) {
		return "", ErrInvalidKeyMaterial
	}
	return string(secret), nil
}

// DeriveWrapped unwraps a stored secret and derives its file key.
// An empty wrapped value means the principal has no key configured and
// returns (nil, false, nil).
func (m *MasterKey) DeriveWrapped(wrapped []byte) (Key, bool, error) {
	if len(wrapped) == 0 {
		return nil, false, nil
	}
	if m == nil {
		return nil, false, ErrMasterKeyUnavailable
	}

	sum := sha256.Sum256(wrapped)
	if cached, ok := m.derived.Load(sum); ok {
		return cached.(Key), true, nil
	}

	secret, err := m.Unwrap(wrapped)
	if err != nil {
		return nil, false, err
	}
	key, err := Derive(secret)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}
	m.derived.Store(sum, key)
	return key, true, nil
}

func (m *MasterKey) aead(salt []byte) (cipher.AEAD, error) {
	wrapKey := argon2.IDKey(m.passphrase, salt, m.params.Time, m.params.Memory, m.params.Threads, wrapKeyLen)
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("keys: AES cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keys: GCM creation failed: %w", err)
	}
	return gcm, nil
}
