// Package registry maps logical file IDs to their owner, content digest and
// display metadata. Many entries may share one digest.
package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/bitfsorg/sealvault/storage"
)

var (
	bucketFiles    = []byte("files")
	bucketByOwner  = []byte("files_by_owner")
	bucketByDigest = []byte("files_by_digest")
)

// Entry is one logical file.
type Entry struct {
	ID    string
	Owner string

	// Digest is SHA256 of the plaintext. BlobKey is where the bytes live in
	// the content store; it equals Digest until key rotation re-seals the
	// blob under a copy addressed by its ciphertext.
	Digest  storage.Digest
	BlobKey storage.Digest

	Name        string
	ContentType string
	Size        int64 // plaintext bytes, recorded once at creation
	Encoding    storage.Encoding

	CreatedAt  time.Time
	AccessedAt time.Time
}

// Encrypted reports whether the entry's blob is sealed.
func (e Entry) Encrypted() bool { return e.Encoding.IsSealed() }

// Rotated reports whether the entry points at a re-sealed copy rather than
// the blob addressed by its plaintext digest.
func (e Entry) Rotated() bool { return e.BlobKey != e.Digest }

// Registry stores entries in bbolt with secondary indexes by owner (newest
// first) and by plaintext digest.
type Registry struct {
	db       *bbolt.DB
	now      func() time.Time
	pageSize int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source for CreatedAt and AccessedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPageSize sets how many index rows ListOwned reads per transaction.
func WithPageSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// New returns a Registry backed by db, creating its buckets if needed.
func New(db *bbolt.DB, opts ...Option) (*Registry, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketByOwner, bucketByDigest} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("registry: create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r := &Registry{db: db, now: time.Now, pageSize: 128}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create records a new entry and returns it with its ID and timestamps set.
// A zero BlobKey defaults to Digest.
func (r *Registry) Create(e Entry) (Entry, error) {
	switch {
	case strings.TrimSpace(e.Owner) == "":
		return Entry{}, fmt.Errorf("%w: owner", ErrMissingField)
	case strings.TrimSpace(e.Name) == "":
		return Entry{}, fmt.Errorf("%w: name", ErrMissingField)
	case e.Digest.IsZero():
		return Entry{}, fmt.Errorf("%w: digest", ErrMissingField)
	}
	if e.BlobKey.IsZero() {
		e.BlobKey = e.Digest
	}
	e.ID = uuid.NewString()
	e.CreatedAt = r.now().UTC()
	e.AccessedAt = e.CreatedAt

	err := r.db.Update(func(tx *bbolt.Tx) error {
		if err := putEntry(tx, e); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByOwner).Put(ownerKey(e), nil); err != nil {
			return fmt.Errorf("registry: put owner index: %w", err)
		}
		if err := tx.Bucket(bucketByDigest).Put(digestKey(e.Digest, e.ID), nil); err != nil {
			return fmt.Errorf("registry: put digest index: %w", err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Get returns the entry with id regardless of owner.
func (r *Registry) Get(id string) (Entry, error) {
	if err := validateID(id); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		return err
	})
	return e, err
}

// Resolve returns the entry with id if owner owns it. A missing entry and
// one owned by someone else both yield ErrNotFound.
func (r *Registry) Resolve(owner, id string) (Entry, error) {
	e, err := r.Get(id)
	if err != nil {
		return Entry{}, err
	}
	if e.Owner != owner {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Delete removes the entry with id and returns it.
func (r *Registry) Delete(id string) (Entry, error) {
	if err := validateID(id); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFiles).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByOwner).Delete(ownerKey(e)); err != nil {
			return err
		}
		return tx.Bucket(bucketByDigest).Delete(digestKey(e.Digest, e.ID))
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// FindByDigest returns an entry whose content is d and whose bytes live at
// the blob addressed by d, so a new entry can share that blob. Entries that
// point at a rotated copy are skipped: the copy is sealed under its owner's
// current key and is not shared.
func (r *Registry) FindByDigest(d storage.Digest) (Entry, error) {
	var found Entry
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByDigest).Cursor()
		prefix := d[:]
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			e, err := getEntry(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			if !e.Rotated() {
				found = e
				return nil
			}
		}
		return fmt.Errorf("%w: digest %s", ErrNotFound, d)
	})
	return found, err
}

// Repoint moves the entry to a different blob with the given encoding.
func (r *Registry) Repoint(id string, blobKey storage.Digest, enc storage.Encoding) (Entry, error) {
	return r.update(id, func(e *Entry) {
		e.BlobKey = blobKey
		e.Encoding = enc
	})
}

// Touch records an access at the given time.
func (r *Registry) Touch(id string, at time.Time) (Entry, error) {
	return r.update(id, func(e *Entry) {
		e.AccessedAt = at.UTC()
	})
}

// SumOwned returns the total declared size of owner's entries.
func (r *Registry) SumOwned(owner string) (int64, error) {
	var total int64
	err := r.db.View(func(tx *bbolt.Tx) error {
		prefix := ownerPrefix(owner)
		c := tx.Bucket(bucketByOwner).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			e, err := getEntry(tx, idFromOwnerKey(k, prefix))
			if err != nil {
				return err
			}
			total += e.Size
		}
		return nil
	})
	return total, err
}

// CountBlobRefs returns, per blob key, how many entries point at it. The
// content store's reference count for each key should match.
func (r *Registry) CountBlobRefs() (map[storage.Digest]uint64, error) {
	refs := make(map[storage.Digest]uint64)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, k, err)
			}
			refs[e.BlobKey]++
			return nil
		})
	})
	return refs, err
}

func (r *Registry) update(id string, fn func(*Entry)) (Entry, error) {
	if err := validateID(id); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		if err != nil {
			return err
		}
		fn(&e)
		return putEntry(tx, e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func getEntry(tx *bbolt.Tx, id string) (Entry, error) {
	var e Entry
	data := tx.Bucket(bucketFiles).Get([]byte(id))
	if data == nil {
		return e, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return e, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return e, nil
}

func putEntry(tx *bbolt.Tx, e Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}
	return tx.Bucket(bucketFiles).Put([]byte(e.ID), buf.Bytes())
}

// ownerPrefix is len(owner) (uint32, big-endian) || owner. The length makes
// one owner's range disjoint from every other owner's, whatever bytes the
// IDs contain.
func ownerPrefix(owner string) []byte {
	k := make([]byte, 0, 4+len(owner)+8+36)
	k = binary.BigEndian.AppendUint32(k, uint32(len(owner)))
	return append(k, owner...)
}

// prefixEnd returns the first key sorting after every key with prefix, or
// nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ownerKey is ownerPrefix || createdAt (unix nanos, big-endian) || id.
// Keys of one owner sort oldest first.
func ownerKey(e Entry) []byte {
	k := ownerPrefix(e.Owner)
	k = binary.BigEndian.AppendUint64(k, uint64(e.CreatedAt.UnixNano()))
	return append(k, e.ID...)
}

func idFromOwnerKey(k, prefix []byte) string {
	return string(k[len(prefix)+8:])
}

func createdFromOwnerKey(k, prefix []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[len(prefix):len(prefix)+8]))).UTC()
}

// digestKey is digest || id.
func digestKey(d storage.Digest, id string) []byte {
	k := make([]byte, 0, len(d)+len(id))
	k = append(k, d[:]...)
	return append(k, id...)
}
