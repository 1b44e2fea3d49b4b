package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitfsorg/sealvault/audit"
	"github.com/bitfsorg/sealvault/envelope"
	"github.com/bitfsorg/sealvault/registry"
	"github.com/bitfsorg/sealvault/storage"
)

// Store uploads content for the caller and returns the new file entry.
//
// Content already present anywhere in the vault is not written again: the
// new entry shares the existing blob, its size and its encoding. New
// content is sealed when the caller has a key and stored plain otherwise.
// Bytes are written before the entry is recorded and quota is charged.
func (v *Vault) Store(ctx context.Context, c Caller, data []byte, name, contentType string) (registry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return registry.Entry{}, err
	}
	if strings.TrimSpace(name) == "" {
		return registry.Entry{}, fmt.Errorf("%w: name", ErrMissingField)
	}
	if len(data) == 0 {
		return registry.Entry{}, ErrEmptyContent
	}
	if int64(len(data)) > v.maxUpload {
		return registry.Entry{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), v.maxUpload)
	}
	digest := storage.Sum(data)

	unlock, err := v.enter(c.Principal, true)
	if err != nil {
		return registry.Entry{}, err
	}
	defer unlock()

	p, err := v.accounts.Get(c.Principal)
	if err != nil {
		return registry.Entry{}, principalErr(err)
	}

	entry := registry.Entry{
		Owner:       c.Principal,
		Digest:      digest,
		BlobKey:     digest,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
	}

	shared, ok, err := v.shareExisting(c.Principal, digest)
	if err != nil {
		return registry.Entry{}, err
	}
	if ok {
		entry.Size = shared.Size
		entry.Encoding = shared.Encoding
		return v.record(ctx, c, entry, audit.ActionUpload)
	}

	if err := v.ledger.Check(c.Principal, entry.Size); err != nil {
		return registry.Entry{}, quotaErr(err)
	}

	payload, enc := data, storage.Plain()
	key, sealed, err := v.master.DeriveWrapped(p.WrappedKey)
	if err != nil {
		return registry.Entry{}, keyErr(err)
	}
	if sealed {
		if payload, err = envelope.Seal(data, key); err != nil {
			return registry.Entry{}, fmt.Errorf("vault: seal: %w", err)
		}
		enc = storage.Sealed(key.ID())
	}

	blob, existed, err := v.content.Put(digest, payload, enc)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("vault: write blob: %w", err)
	}
	entry.Encoding = blob.Encoding
	if existed {
		// Lost a race with another first writer, or the key is taken by a
		// re-sealed copy whose ciphertext is exactly these bytes.
		if entry.Encoding, err = v.existingEncoding(blob, digest); err != nil {
			v.dropRef(digest)
			return registry.Entry{}, err
		}
		v.log.Debug().Str("digest", digest.String()).Str("encoding", entry.Encoding.String()).Msg("upload deduplicated on write")
	}
	return v.record(ctx, c, entry, audit.ActionUpload)
}

// existingEncoding returns how an upload of content with digest reads back
// from blob, which already existed under that key. A sealed blob whose
// bytes hash to digest holds the uploaded bytes verbatim.
func (v *Vault) existingEncoding(blob storage.Blob, digest storage.Digest) (storage.Encoding, error) {
	if !blob.Encoding.IsSealed() {
		return blob.Encoding, nil
	}
	data, _, err := v.content.Get(digest)
	if err != nil {
		return storage.Encoding{}, fmt.Errorf("vault: read blob: %w", err)
	}
	if storage.Sum(data) == digest {
		return storage.Plain(), nil
	}
	return blob.Encoding, nil
}

// Reference registers a new file for the caller that shares content already
// in the vault, identified by its digest. No bytes are transferred.
func (v *Vault) Reference(ctx context.Context, c Caller, digest storage.Digest, name, contentType string) (registry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return registry.Entry{}, err
	}
	if strings.TrimSpace(name) == "" {
		return registry.Entry{}, fmt.Errorf("%w: name", ErrMissingField)
	}
	if digest.IsZero() {
		return registry.Entry{}, fmt.Errorf("%w: digest", ErrMissingField)
	}

	unlock, err := v.enter(c.Principal, true)
	if err != nil {
		return registry.Entry{}, err
	}
	defer unlock()

	if _, err := v.accounts.Get(c.Principal); err != nil {
		return registry.Entry{}, principalErr(err)
	}

	shared, ok, err := v.shareExisting(c.Principal, digest)
	if err != nil {
		return registry.Entry{}, err
	}
	if !ok {
		return registry.Entry{}, fmt.Errorf("%w: %s", ErrDigestNotFound, digest)
	}
	return v.record(ctx, c, registry.Entry{
		Owner:       c.Principal,
		Digest:      digest,
		BlobKey:     digest,
		Name:        name,
		ContentType: contentType,
		Size:        shared.Size,
		Encoding:    shared.Encoding,
	}, audit.ActionReference)
}

// HashExists reports whether content with digest can be shared by
// Reference.
func (v *Vault) HashExists(ctx context.Context, digest storage.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := v.registry.FindByDigest(digest)
	if errors.Is(err, registry.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// shareExisting looks for an entry whose blob can be shared and, after a
// quota check, takes a reference on that blob. ok is false when there is
// nothing to share.
func (v *Vault) shareExisting(principal string, digest storage.Digest) (registry.Entry, bool, error) {
	existing, err := v.registry.FindByDigest(digest)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Entry{}, false, nil
	}
	if err != nil {
		return registry.Entry{}, false, err
	}
	if err := v.ledger.Check(principal, existing.Size); err != nil {
		return registry.Entry{}, false, quotaErr(err)
	}
	_, err = v.content.Ref(existing.BlobKey)
	if errors.Is(err, storage.ErrNotFound) {
		// Released after the lookup; the caller writes it afresh.
		return registry.Entry{}, false, nil
	}
	if err != nil {
		return registry.Entry{}, false, fmt.Errorf("vault: reference blob: %w", err)
	}
	return existing, true, nil
}

// record creates the entry and charges the owner for it. The blob reference
// for e.BlobKey must already be held; it is dropped again if either step
// fails.
func (v *Vault) record(ctx context.Context, c Caller, e registry.Entry, action audit.Action) (registry.Entry, error) {
	created, err := v.registry.Create(e)
	if err != nil {
		v.dropRef(e.BlobKey)
		return registry.Entry{}, fmt.Errorf("vault: record file: %w", err)
	}
	if _, err := v.ledger.Charge(c.Principal, created.Size); err != nil {
		if _, derr := v.registry.Delete(created.ID); derr != nil {
			v.log.Error().Err(derr).Str("file", created.ID).Msg("rollback: file entry not removed")
		}
		v.dropRef(e.BlobKey)
		return registry.Entry{}, quotaErr(err)
	}

	v.log.Info().
		Str("principal", c.Principal).
		Str("file", created.ID).
		Str("digest", created.Digest.String()).
		Int64("size", created.Size).
		Str("encoding", created.Encoding.String()).
		Str("action", string(action)).
		Msg("file stored")
	v.emit(ctx, c, created.ID, action)
	return created, nil
}

func (v *Vault) dropRef(key storage.Digest) {
	if _, err := v.content.Release(key); err != nil {
		v.log.Error().Err(err).Str("digest", key.String()).Msg("rollback: blob reference not released")
	}
}
