package vault

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/bitfsorg/sealvault/audit"
	"github.com/bitfsorg/sealvault/envelope"
	"github.com/bitfsorg/sealvault/registry"
	"github.com/bitfsorg/sealvault/storage"
)

// Fetch returns the plaintext of one of the caller's files.
func (v *Vault) Fetch(ctx context.Context, c Caller, id string) ([]byte, registry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, registry.Entry{}, err
	}
	unlock, err := v.enter(c.Principal, false)
	if err != nil {
		return nil, registry.Entry{}, err
	}
	defer unlock()

	e, err := v.owned(c.Principal, id)
	if err != nil {
		return nil, registry.Entry{}, err
	}

	data, _, err := v.content.Get(e.BlobKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBlobMissing) {
			return nil, e, fmt.Errorf("%w: %w", ErrDigestNotFound, err)
		}
		return nil, e, fmt.Errorf("vault: read blob: %w", err)
	}

	plaintext, err := v.decode(c.Principal, e, data)
	if err != nil {
		return nil, e, err
	}

	if touched, err := v.registry.Touch(e.ID, v.now()); err != nil {
		v.log.Warn().Err(err).Str("file", e.ID).Msg("access time not recorded")
	} else {
		e = touched
	}
	v.emit(ctx, c, e.ID, audit.ActionDownload)
	return plaintext, e, nil
}

// decode turns stored bytes back into the plaintext, dispatching on the
// entry's encoding.
func (v *Vault) decode(principal string, e registry.Entry, data []byte) ([]byte, error) {
	switch e.Encoding.Kind {
	case storage.EncodingPlain:
		if storage.Sum(data) != e.Digest {
			return nil, fmt.Errorf("%w: file %s", ErrCorrupt, e.ID)
		}
		return data, nil

	case storage.EncodingSealed:
		p, err := v.accounts.Get(principal)
		if err != nil {
			return nil, principalErr(err)
		}
		key, ok, err := v.master.DeriveWrapped(p.WrappedKey)
		if err != nil {
			return nil, keyErr(err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: file %s is sealed and %s has no key", ErrKeyUnavailable, e.ID, principal)
		}
		plaintext, err := envelope.OpenVerified(data, key, e.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		return plaintext, nil

	default:
		return nil, fmt.Errorf("vault: file %s has unknown encoding %s", e.ID, e.Encoding)
	}
}

// Delete removes one of the caller's files, drops its blob reference and
// releases its size from the caller's quota.
func (v *Vault) Delete(ctx context.Context, c Caller, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := v.enter(c.Principal, true)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := v.owned(c.Principal, id); err != nil {
		return err
	}
	e, err := v.registry.Delete(id)
	if err != nil {
		return fileErr(err)
	}

	refs, err := v.content.Release(e.BlobKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		v.log.Warn().Str("file", e.ID).Str("digest", e.BlobKey.String()).Msg("deleted file had no blob")
	case err != nil:
		// The entry is gone; the blob is now an orphan for Verify to report.
		v.log.Error().Err(err).Str("file", e.ID).Str("digest", e.BlobKey.String()).Msg("blob reference not released")
	}

	if _, err := v.ledger.Release(c.Principal, e.Size); err != nil {
		return principalErr(err)
	}

	v.log.Info().
		Str("principal", c.Principal).
		Str("file", e.ID).
		Uint64("refs_left", refs).
		Msg("file deleted")
	v.emit(ctx, c, e.ID, audit.ActionDelete)
	return nil
}

// List returns the caller's files matching f, newest first.
func (v *Vault) List(c Caller, f registry.Filter) iter.Seq2[registry.Entry, error] {
	return v.registry.ListOwned(c.Principal, f)
}

// owned resolves id and checks that principal owns it. Unlike
// registry.Resolve it tells a missing file apart from someone else's.
func (v *Vault) owned(principal, id string) (registry.Entry, error) {
	if id == "" {
		return registry.Entry{}, fmt.Errorf("%w: file id", ErrMissingField)
	}
	e, err := v.registry.Get(id)
	if err != nil {
		return registry.Entry{}, fileErr(err)
	}
	if e.Owner != principal {
		return registry.Entry{}, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return e, nil
}
