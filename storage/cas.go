package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitfsorg/sealvault/internal/keymutex"
)

// ContentStore is the content-addressed blob store: exactly one physical
// blob per digest, reference counted, deleted when the last reference goes.
//
// All mutations of one digest are serialized, so two concurrent first
// writers of the same content resolve to one write and one dedup hit.
// Bytes are always written before the index row that makes them visible.
type ContentStore struct {
	blobs BlobStore
	index *Index
	locks keymutex.Map
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a ContentStore.
type Option func(*ContentStore)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *ContentStore) { s.log = l }
}

// WithClock sets the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *ContentStore) { s.now = now }
}

// NewContentStore returns a ContentStore over blobs and index.
func NewContentStore(blobs BlobStore, index *Index, opts ...Option) *ContentStore {
	s := &ContentStore{
		blobs: blobs,
		index: index,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data under d with the given encoding.
//
// If a blob for d already exists its reference count is incremented and the
// existing row is returned with existed=true; data and enc are discarded.
// Otherwise data is written and recorded with one reference.
func (s *ContentStore) Put(d Digest, data []byte, enc Encoding) (blob Blob, existed bool, err error) {
	unlock := s.locks.Lock(d.String())
	defer unlock()

	blob, err = s.index.Update(d, func(b *Blob) error {
		b.Refs++
		return nil
	})
	if err == nil {
		s.log.Debug().Str("digest", d.String()).Uint64("refs", blob.Refs).Msg("blob deduplicated")
		return blob, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Blob{}, false, err
	}

	if len(data) == 0 {
		return Blob{}, false, ErrEmptyContent
	}
	if err := s.blobs.Put(d, data); err != nil {
		return Blob{}, false, err
	}

	blob = Blob{
		Key:       d,
		Size:      int64(len(data)),
		Refs:      1,
		Encoding:  enc,
		CreatedAt: s.now().UTC(),
	}
	if err := s.index.Insert(blob); err != nil {
		// Unrecorded bytes are unreachable; remove them.
		_ = s.blobs.Delete(d)
		return Blob{}, false, err
	}

	s.log.Debug().
		Str("digest", d.String()).
		Int64("size", blob.Size).
		Str("encoding", enc.String()).
		Msg("blob written")
	return blob, false, nil
}

// Ref adds a reference to an existing blob without transferring bytes.
func (s *ContentStore) Ref(d Digest) (Blob, error) {
	unlock := s.locks.Lock(d.String())
	defer unlock()

	return s.index.Update(d, func(b *Blob) error {
		b.Refs++
		return nil
	})
}

// Get returns the bytes and index row for d. ErrNotFound means no blob is
// recorded; ErrBlobMissing means it is recorded but its bytes are gone.
func (s *ContentStore) Get(d Digest) ([]byte, Blob, error) {
	unlock := s.locks.RLock(d.String())
	defer unlock()

	blob, err := s.index.Get(d)
	if err != nil {
		return nil, Blob{}, err
	}
	data, err := s.blobs.Get(d)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, blob, fmt.Errorf("%w: %s", ErrBlobMissing, d)
		}
		return nil, blob, err
	}
	return data, blob, nil
}

// Stat returns the index row for d.
func (s *ContentStore) Stat(d Digest) (Blob, error) {
	return s.index.Get(d)
}

// Has reports whether a blob is recorded for d.
func (s *ContentStore) Has(d Digest) (bool, error) {
	_, err := s.index.Get(d)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Overwrite replaces the bytes of an existing blob in place. Every reference
// to d observes the new bytes immediately.
func (s *ContentStore) Overwrite(d Digest, data []byte, enc Encoding) (Blob, error) {
	unlock := s.locks.Lock(d.String())
	defer unlock()

	if _, err := s.index.Get(d); err != nil {
		return Blob{}, err
	}
	if err := s.blobs.Put(d, data); err != nil {
		return Blob{}, err
	}
	return s.index.Update(d, func(b *Blob) error {
		b.Size = int64(len(data))
		b.Encoding = enc
		return nil
	})
}

// Release drops one reference to d and returns the count left. At zero the
// bytes and the index row are deleted.
func (s *ContentStore) Release(d Digest) (uint64, error) {
	unlock := s.locks.Lock(d.String())
	defer unlock()

	blob, err := s.index.Get(d)
	if err != nil {
		return 0, err
	}

	if blob.Refs > 1 {
		blob, err = s.index.Update(d, func(b *Blob) error {
			b.Refs--
			return nil
		})
		if err != nil {
			return 0, err
		}
		return blob.Refs, nil
	}

	if err := s.blobs.Delete(d); err != nil && !errors.Is(err, ErrNotFound) {
		return blob.Refs, err
	}
	if err := s.index.Delete(d); err != nil {
		return 0, err
	}
	s.log.Debug().Str("digest", d.String()).Msg("blob deleted")
	return 0, nil
}

// List returns every recorded blob.
func (s *ContentStore) List() ([]Blob, error) {
	return s.index.List()
}

// VerifyReport lists disagreements between the index and the bytes on disk.
type VerifyReport struct {
	Checked int
	Missing []Digest // recorded in the index, bytes absent
	Orphans []Digest // bytes present, no index row
}

// OK reports whether the index and disk agree.
func (r VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Orphans) == 0
}

// Verify cross-checks the index against the bytes on disk.
func (s *ContentStore) Verify() (VerifyReport, error) {
	var report VerifyReport

	rows, err := s.index.List()
	if err != nil {
		return report, err
	}
	recorded := make(map[Digest]bool, len(rows))
	for _, b := range rows {
		recorded[b.Key] = true
		report.Checked++
		ok, err := s.blobs.Has(b.Key)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Missing = append(report.Missing, b.Key)
		}
	}

	onDisk, err := s.blobs.List()
	if err != nil {
		return report, err
	}
	for _, d := range onDisk {
		if !recorded[d] {
			report.Orphans = append(report.Orphans, d)
		}
	}
	return report, nil
}
