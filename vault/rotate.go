package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitfsorg/sealvault/audit"
	"github.com/bitfsorg/sealvault/envelope"
	"github.com/bitfsorg/sealvault/keys"
	"github.com/bitfsorg/sealvault/registry"
	"github.com/bitfsorg/sealvault/storage"
)

// RotationState is the terminal state of a key rotation.
type RotationState int

const (
	// RotationCompleted means every sealed file was converted and the new
	// key is now the principal's key.
	RotationCompleted RotationState = iota

	// RotationVerificationFailed means the supplied old secret did not
	// match the stored key. Nothing was changed.
	RotationVerificationFailed

	// RotationPartiallyFailed means at least one file could not be
	// converted. The principal keeps the old key.
	RotationPartiallyFailed

	// RotationCancelled means the context was cancelled between files.
	// The principal keeps the old key.
	RotationCancelled
)

func (s RotationState) String() string {
	switch s {
	case RotationCompleted:
		return "completed"
	case RotationVerificationFailed:
		return "verification_failed"
	case RotationPartiallyFailed:
		return "partially_failed"
	case RotationCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("RotationState(%d)", int(s))
	}
}

// TargetFailure describes one file rotation could not convert.
type TargetFailure struct {
	FileID string
	Name   string
	Reason string
}

// RotationReport is the outcome of RotateKey. Files that failed are data
// in the report, not errors.
type RotationReport struct {
	State     RotationState
	Succeeded int
	Failed    []TargetFailure

	// KeyID is the id of the principal's key after the call.
	KeyID string
}

// RotateKey re-seals every sealed file of the caller under the key derived
// from newSecret and then makes it the caller's key.
//
// If the caller has no key yet, newSecret simply becomes the key. If
// oldSecret is given it must derive the current key. Each re-sealed blob
// is written as a new blob addressed by its ciphertext and only the
// caller's entries are moved to it, so files other principals share are
// untouched. The new key is committed only if every file converted; a
// retry with the same new secret skips files already converted.
//
// Uploads, references, fetches and deletes by the caller fail with
// ErrRotationInProgress until RotateKey returns.
func (v *Vault) RotateKey(ctx context.Context, c Caller, oldSecret *string, newSecret string) (RotationReport, error) {
	if newSecret == "" {
		return RotationReport{}, fmt.Errorf("%w: new secret", ErrMissingField)
	}
	end, err := v.beginRotation(c.Principal)
	if err != nil {
		return RotationReport{}, err
	}
	defer end()

	p, err := v.accounts.Get(c.Principal)
	if err != nil {
		return RotationReport{}, principalErr(err)
	}

	if !p.HasKey() {
		if err := v.commitKey(c.Principal, newSecret); err != nil {
			return RotationReport{}, err
		}
		report := RotationReport{State: RotationCompleted, KeyID: keyIDOf(newSecret)}
		v.finishRotation(ctx, c, report)
		return report, nil
	}

	oldKey, _, err := v.master.DeriveWrapped(p.WrappedKey)
	if err != nil {
		return RotationReport{}, keyErr(err)
	}

	if oldSecret != nil {
		claimed, err := keys.Derive(*oldSecret)
		if err != nil || !claimed.Equal(oldKey) {
			report := RotationReport{State: RotationVerificationFailed, KeyID: oldKey.ID()}
			v.finishRotation(ctx, c, report)
			return report, nil
		}
	}

	newKey, err := keys.Derive(newSecret)
	if err != nil {
		return RotationReport{}, fmt.Errorf("vault: derive new key: %w", err)
	}

	r := &rotation{
		v:         v,
		oldKey:    oldKey,
		newKey:    newKey,
		newID:     newKey.ID(),
		converted: make(map[storage.Digest]storage.Digest),
	}
	report := RotationReport{State: RotationCompleted}

	v.log.Info().
		Str("principal", c.Principal).
		Str("old_key", oldKey.ID()).
		Str("new_key", r.newID).
		Msg("key rotation started")

	for e, err := range v.registry.ListOwned(c.Principal, registry.Filter{SealedOnly: true}) {
		if err != nil {
			return RotationReport{}, fmt.Errorf("vault: list sealed files: %w", err)
		}
		if ctx.Err() != nil {
			report.State = RotationCancelled
			break
		}
		if v.beforeTarget != nil {
			v.beforeTarget(e)
		}
		if err := r.convert(e); err != nil {
			report.Failed = append(report.Failed, TargetFailure{FileID: e.ID, Name: e.Name, Reason: err.Error()})
			v.log.Warn().Err(err).
				Str("principal", c.Principal).
				Str("file", e.ID).
				Msg("file not re-sealed")
			continue
		}
		report.Succeeded++
	}

	switch {
	case report.State == RotationCancelled:
		report.KeyID = oldKey.ID()
	case len(report.Failed) > 0:
		report.State = RotationPartiallyFailed
		report.KeyID = oldKey.ID()
	default:
		if err := v.commitKey(c.Principal, newSecret); err != nil {
			return RotationReport{}, err
		}
		report.KeyID = r.newID
	}
	v.finishRotation(ctx, c, report)
	return report, nil
}

// SetKey gives a principal without a key its first one. Later changes go
// through RotateKey.
func (v *Vault) SetKey(ctx context.Context, c Caller, secret string) error {
	p, err := v.accounts.Get(c.Principal)
	if err != nil {
		return principalErr(err)
	}
	if p.HasKey() {
		return fmt.Errorf("%w: %s", ErrKeyExists, c.Principal)
	}
	report, err := v.RotateKey(ctx, c, nil, secret)
	if err != nil {
		return err
	}
	if report.State != RotationCompleted {
		return fmt.Errorf("vault: set key: rotation %s", report.State)
	}
	return nil
}

// beginRotation raises the principal's rotation flag. It is raised under
// the principal's exclusive lock, so requests that got in first finish
// before rotation starts and later ones see the flag.
func (v *Vault) beginRotation(principal string) (func(), error) {
	unlock, err := v.enter(principal, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	v.rotMu.Lock()
	v.rotating[principal] = true
	v.rotMu.Unlock()

	return func() {
		v.rotMu.Lock()
		delete(v.rotating, principal)
		v.rotMu.Unlock()
	}, nil
}

func (v *Vault) commitKey(principal, secret string) error {
	wrapped, err := v.master.Wrap(secret)
	if err != nil {
		return keyErr(err)
	}
	if _, err := v.accounts.SetWrappedKey(principal, wrapped); err != nil {
		return fmt.Errorf("vault: store new key: %w", err)
	}
	return nil
}

func (v *Vault) finishRotation(ctx context.Context, c Caller, report RotationReport) {
	v.log.Info().
		Str("principal", c.Principal).
		Str("state", report.State.String()).
		Int("succeeded", report.Succeeded).
		Int("failed", len(report.Failed)).
		Str("key", report.KeyID).
		Msg("key rotation finished")
	v.emit(ctx, c, "", audit.ActionRotate)
}

func keyIDOf(secret string) string {
	k, err := keys.Derive(secret)
	if err != nil {
		return ""
	}
	return k.ID()
}

// rotation carries the state of one RotateKey run.
type rotation struct {
	v      *Vault
	oldKey keys.Key
	newKey keys.Key
	newID  string

	// converted maps blobs already re-sealed in this run to their copies, so
	// the caller's entries that shared a blob keep sharing one.
	converted map[storage.Digest]storage.Digest
}

// convert re-seals one entry's content under the new key and repoints the
// entry at the copy.
func (r *rotation) convert(e registry.Entry) error {
	v := r.v
	if e.Encoding.KeyID == r.newID {
		// Converted by an earlier, partially failed run.
		return nil
	}

	if copyKey, ok := r.converted[e.BlobKey]; ok {
		if _, err := v.content.Ref(copyKey); err != nil {
			return fmt.Errorf("reference re-sealed copy: %w", err)
		}
		return r.repoint(e, copyKey)
	}

	data, _, err := v.content.Get(e.BlobKey)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", e.BlobKey, err)
	}

	plaintext, err := envelope.OpenVerified(data, r.oldKey, e.Digest)
	if err != nil {
		if _, nerr := envelope.OpenVerified(data, r.newKey, e.Digest); nerr == nil {
			// Bytes already under the new key; only the tag is stale.
			_, err := v.registry.Repoint(e.ID, e.BlobKey, storage.Sealed(r.newID))
			return err
		}
		if e.Encoding.KeyID != r.oldKey.ID() {
			return fmt.Errorf("sealed under key %s, not the principal's: %w", e.Encoding.KeyID, err)
		}
		return fmt.Errorf("open with current key: %w", err)
	}

	sealed, err := envelope.Seal(plaintext, r.newKey)
	if err != nil {
		return fmt.Errorf("seal with new key: %w", err)
	}
	copyKey := storage.Sum(sealed)
	if _, _, err := v.content.Put(copyKey, sealed, storage.Sealed(r.newID)); err != nil {
		return fmt.Errorf("write re-sealed copy: %w", err)
	}
	if err := r.repoint(e, copyKey); err != nil {
		return err
	}
	r.converted[e.BlobKey] = copyKey
	return nil
}

// repoint moves e to copyKey, whose reference is already held, and drops
// e's reference on its old blob.
func (r *rotation) repoint(e registry.Entry, copyKey storage.Digest) error {
	v := r.v
	if _, err := v.registry.Repoint(e.ID, copyKey, storage.Sealed(r.newID)); err != nil {
		v.dropRef(copyKey)
		return fmt.Errorf("repoint file: %w", err)
	}
	if _, err := v.content.Release(e.BlobKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		v.log.Warn().Err(err).Str("digest", e.BlobKey.String()).Msg("old blob reference not released")
	}
	return nil
}
