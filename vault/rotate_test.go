package vault

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/sealvault/audit"
	"github.com/bitfsorg/sealvault/keys"
	"github.com/bitfsorg/sealvault/registry"
	"github.com/bitfsorg/sealvault/storage"
)

func strPtr(s string) *string { return &s }

func wrappedKeyOf(t *testing.T, v *Vault, id string) []byte {
	t.Helper()
	p, err := v.Principal(id)
	require.NoError(t, err)
	return p.WrappedKey
}

// storeN uploads n distinct files for c and returns them in upload order.
func storeN(t *testing.T, v *Vault, c Caller, n int) []registry.Entry {
	t.Helper()
	var out []registry.Entry
	for i := 0; i < n; i++ {
		e, err := v.Store(context.Background(), c, []byte(fmt.Sprintf("%s file %d", c.Principal, i)), fmt.Sprintf("f%d", i), "text/plain")
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func fetchAll(t *testing.T, v *Vault, c Caller, entries []registry.Entry) {
	t.Helper()
	for i, e := range entries {
		got, _, err := v.Fetch(context.Background(), c, e.ID)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%s file %d", c.Principal, i), string(got))
	}
}

// --- State machine tests ---

func TestRotateKey_NoKeySetsKey(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1000)
	plain := storeN(t, v, alice, 2)

	report, err := v.RotateKey(ctx, alice, nil, "first")
	require.NoError(t, err)
	assert.Equal(t, RotationCompleted, report.State)
	assert.Equal(t, 0, report.Succeeded)

	k, err := keys.Derive("first")
	require.NoError(t, err)
	assert.Equal(t, k.ID(), report.KeyID)
	assert.NotEmpty(t, wrappedKeyOf(t, v, "alice"))

	// Existing plain files stay plain and readable; new uploads are sealed.
	fetchAll(t, v, alice, plain)
	e, err := v.Store(ctx, alice, []byte("now sealed"), "s", "")
	require.NoError(t, err)
	assert.Equal(t, storage.Sealed(k.ID()), e.Encoding)
}

func TestRotateKey_VerificationFailed(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))
	files := storeN(t, v, alice, 2)
	before := wrappedKeyOf(t, v, "alice")

	report, err := v.RotateKey(ctx, alice, strPtr("not-k1"), "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationVerificationFailed, report.State)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, before, wrappedKeyOf(t, v, "alice"))

	for _, e := range files {
		got, err := v.registry.Get(e.ID)
		require.NoError(t, err)
		assert.False(t, got.Rotated(), "no file touched")
	}
	fetchAll(t, v, alice, files)
}

func TestRotateKey_WithCorrectOldSecret(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))
	files := storeN(t, v, alice, 3)

	report, err := v.RotateKey(ctx, alice, strPtr("k1"), "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationCompleted, report.State)
	assert.Equal(t, 3, report.Succeeded)
	fetchAll(t, v, alice, files)

	c, err := v.Verify()
	require.NoError(t, err)
	assert.True(t, c.OK(), "%+v", c)
}

func TestRotateKey_SkipsPlainFiles(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	plain := storeN(t, v, alice, 1)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))
	_, err := v.Store(ctx, alice, []byte("sealed one"), "s", "")
	require.NoError(t, err)

	report, err := v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationCompleted, report.State)
	assert.Equal(t, 1, report.Succeeded)

	got, err := v.registry.Get(plain[0].ID)
	require.NoError(t, err)
	assert.False(t, got.Encrypted())
}

func TestRotateKey_SharedBlobWithinPrincipal(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))

	a, err := v.Store(ctx, alice, []byte("twice"), "a", "")
	require.NoError(t, err)
	b, err := v.Store(ctx, alice, []byte("twice"), "b", "")
	require.NoError(t, err)

	report, err := v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	require.Equal(t, RotationCompleted, report.State)
	assert.Equal(t, 2, report.Succeeded)

	ra, err := v.registry.Get(a.ID)
	require.NoError(t, err)
	rb, err := v.registry.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, ra.BlobKey, rb.BlobKey, "still one shared copy")

	blob, err := v.content.Stat(ra.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blob.Refs)
	assert.Equal(t, 1, blobCount(t, v), "original released")
}

func TestRotateKey_LeavesOtherOwnersUntouched(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	bob := register(t, v, "bob", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))

	content := []byte("sealed by alice, shared with bob")
	a, err := v.Store(ctx, alice, content, "a", "")
	require.NoError(t, err)
	b, err := v.Reference(ctx, bob, a.Digest, "b", "")
	require.NoError(t, err)
	before, err := v.blobs.Get(a.Digest)
	require.NoError(t, err)

	report, err := v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	require.Equal(t, RotationCompleted, report.State)

	rb, err := v.registry.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, rb.BlobKey)
	assert.Equal(t, b.Encoding, rb.Encoding)

	after, err := v.blobs.Get(a.Digest)
	require.NoError(t, err)
	assert.Equal(t, before, after, "bob's blob is not rewritten")

	blob, err := v.content.Stat(a.Digest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), blob.Refs)

	got, _, err := v.Fetch(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRotateKey_UploadMatchingResealedCopy(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	bob := register(t, v, "bob", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))

	content := []byte("alice's sealed notes")
	a, err := v.Store(ctx, alice, content, "a", "")
	require.NoError(t, err)
	_, err = v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)

	ra, err := v.registry.Get(a.ID)
	require.NoError(t, err)
	copyBytes, err := v.blobs.Get(ra.BlobKey)
	require.NoError(t, err)
	require.Equal(t, ra.BlobKey, storage.Sum(copyBytes))

	// bob uploads the exact ciphertext bytes of alice's re-sealed copy.
	b, err := v.Store(ctx, bob, copyBytes, "b", "")
	require.NoError(t, err)
	assert.Equal(t, ra.BlobKey, b.BlobKey)
	assert.Equal(t, storage.EncodingPlain, b.Encoding.Kind)

	blob, err := v.content.Stat(ra.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blob.Refs)

	got, _, err := v.Fetch(ctx, bob, b.ID)
	require.NoError(t, err)
	assert.Equal(t, copyBytes, got)
	got, _, err = v.Fetch(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, v.Delete(ctx, alice, a.ID))
	got, _, err = v.Fetch(ctx, bob, b.ID)
	require.NoError(t, err)
	assert.Equal(t, copyBytes, got)

	c, err := v.Verify()
	require.NoError(t, err)
	assert.True(t, c.OK())
}

// --- Partial failure tests ---

func TestRotateKey_PartialFailureKeepsKeyThenRetry(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))
	files := storeN(t, v, alice, 3)
	before := wrappedKeyOf(t, v, "alice")

	// Lose the bytes of one file.
	broken := files[1]
	saved, err := v.blobs.Get(broken.BlobKey)
	require.NoError(t, err)
	require.NoError(t, v.blobs.Delete(broken.BlobKey))

	report, err := v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationPartiallyFailed, report.State)
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, broken.ID, report.Failed[0].FileID)
	assert.Equal(t, broken.Name, report.Failed[0].Name)
	assert.NotEmpty(t, report.Failed[0].Reason)

	assert.Equal(t, before, wrappedKeyOf(t, v, "alice"), "key byte-identical after a failed rotation")
	k1, err := keys.Derive("k1")
	require.NoError(t, err)
	assert.Equal(t, k1.ID(), report.KeyID)

	// Restore the bytes and retry with the same new secret.
	require.NoError(t, v.blobs.Put(broken.BlobKey, saved))
	report, err = v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationCompleted, report.State)
	assert.Equal(t, 3, report.Succeeded, "already converted files count as succeeded")
	assert.Empty(t, report.Failed)
	assert.NotEqual(t, before, wrappedKeyOf(t, v, "alice"))

	fetchAll(t, v, alice, files)
	c, err := v.Verify()
	require.NoError(t, err)
	assert.True(t, c.OK(), "%+v", c)
}

func TestRotateKey_ForeignSealedBlob(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	bob := register(t, v, "bob", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "alice-key"))
	require.NoError(t, v.SetKey(ctx, bob, "bob-key"))

	a, err := v.Store(ctx, alice, []byte("alice sealed this"), "a", "")
	require.NoError(t, err)
	// Bob's upload of the same bytes shares alice's sealed blob.
	b, err := v.Store(ctx, bob, []byte("alice sealed this"), "b", "")
	require.NoError(t, err)
	assert.Equal(t, a.Encoding, b.Encoding)

	_, _, err = v.Fetch(ctx, bob, b.ID)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	bobBefore := wrappedKeyOf(t, v, "bob")
	report, err := v.RotateKey(ctx, bob, nil, "bob-key-2")
	require.NoError(t, err)
	assert.Equal(t, RotationPartiallyFailed, report.State)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[0].Reason, "not the principal's")
	assert.Equal(t, bobBefore, wrappedKeyOf(t, v, "bob"))
}

// --- Concurrency tests ---

func TestRotateKey_BlocksPrincipalRequests(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	bob := register(t, v, "bob", 1<<20)
	files := storeN(t, v, alice, 1)

	end, err := v.beginRotation("alice")
	require.NoError(t, err)

	_, err = v.Store(ctx, alice, []byte("new"), "n", "")
	assert.ErrorIs(t, err, ErrRotationInProgress)
	_, _, err = v.Fetch(ctx, alice, files[0].ID)
	assert.ErrorIs(t, err, ErrRotationInProgress)
	assert.ErrorIs(t, v.Delete(ctx, alice, files[0].ID), ErrRotationInProgress)
	_, err = v.Reference(ctx, alice, files[0].Digest, "r", "")
	assert.ErrorIs(t, err, ErrRotationInProgress)
	_, err = v.RotateKey(ctx, alice, nil, "k")
	assert.ErrorIs(t, err, ErrRotationInProgress)

	// Other principals proceed.
	_, err = v.Store(ctx, bob, []byte("bob is fine"), "b", "")
	assert.NoError(t, err)

	end()
	_, _, err = v.Fetch(ctx, alice, files[0].ID)
	assert.NoError(t, err)
}

func TestRotateKey_FlagVisibleDuringRun(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1<<20)
	require.NoError(t, v.SetKey(ctx, alice, "k1"))
	files := storeN(t, v, alice, 2)

	var during []error
	v.beforeTarget = func(registry.Entry) {
		_, _, err := v.Fetch(ctx, alice, files[0].ID)
		during = append(during, err)
	}

	report, err := v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationCompleted, report.State)
	require.Len(t, during, 2)
	for _, err := range during {
		assert.ErrorIs(t, err, ErrRotationInProgress)
	}

	v.beforeTarget = nil
	fetchAll(t, v, alice, files)
}

func TestRotateKey_Cancelled(t *testing.T) {
	v := initTestVault(t)
	alice := register(t, v, "alice", 1<<20)
	require.NoError(t, v.SetKey(context.Background(), alice, "k1"))
	files := storeN(t, v, alice, 3)
	before := wrappedKeyOf(t, v, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	v.beforeTarget = func(registry.Entry) {
		calls++
		if calls == 2 {
			cancel()
		}
	}

	report, err := v.RotateKey(ctx, alice, nil, "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationCancelled, report.State)
	assert.Equal(t, 2, report.Succeeded, "the target in flight completes")
	assert.Equal(t, before, wrappedKeyOf(t, v, "alice"))

	// Every file is readable under one key or the other; finish the job.
	v.beforeTarget = nil
	report, err = v.RotateKey(context.Background(), alice, nil, "k2")
	require.NoError(t, err)
	assert.Equal(t, RotationCompleted, report.State)
	assert.Equal(t, 3, report.Succeeded)
	fetchAll(t, v, alice, files)
}

func TestRotateKey_Errors(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1000)

	_, err := v.RotateKey(ctx, alice, nil, "")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = v.RotateKey(ctx, Caller{Principal: "nobody"}, nil, "k")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)

	noMaster := initTestVault(t, func(o *Options) { o.MasterKey = nil })
	carol := register(t, noMaster, "carol", 1000)
	_, err = noMaster.RotateKey(ctx, carol, nil, "k")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestSetKey(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1000)

	require.NoError(t, v.SetKey(ctx, alice, "k1"))
	assert.ErrorIs(t, v.SetKey(ctx, alice, "k2"), ErrKeyExists)
}

func TestRotateKey_Audited(t *testing.T) {
	v := initTestVault(t)
	ctx := context.Background()
	alice := register(t, v, "alice", 1000)

	_, err := v.RotateKey(ctx, alice, nil, "k1")
	require.NoError(t, err)

	events, err := v.AuditLog().List(audit.ForPrincipal("alice"), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionRotate, events[0].Action)
	assert.Empty(t, events[0].FileID)
}

func TestRotationState_String(t *testing.T) {
	tests := []struct {
		s    RotationState
		want string
	}{
		{RotationCompleted, "completed"},
		{RotationVerificationFailed, "verification_failed"},
		{RotationPartiallyFailed, "partially_failed"},
		{RotationCancelled, "cancelled"},
		{RotationState(9), "RotationState(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
}
