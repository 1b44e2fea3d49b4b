package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketBlobs = []byte("blobs")

// Blob is the index row for one physical blob.
type Blob struct {
	Key       Digest
	Size      int64 // stored byte length (ciphertext length when sealed)
	Refs      uint64
	Encoding  Encoding
	CreatedAt time.Time
}

// Index records reference counts and encodings of blobs in bbolt.
// It shares the database handle with the other stores of a vault.
type Index struct {
	db *bbolt.DB
}

// NewIndex returns an Index backed by db, creating its bucket if needed.
func NewIndex(db *bbolt.DB) (*Index, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlobs); err != nil {
			return fmt.Errorf("storage: create bucket %q: %w", bucketBlobs, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

// Get returns the row for d.
func (ix *Index) Get(d Digest) (Blob, error) {
	var b Blob
	err := ix.db.View(func(tx *bbolt.Tx) error {
		var err error
		b, err = getBlob(tx, d)
		return err
	})
	return b, err
}

// Insert writes a new row. It fails if a row for b.Key already exists.
func (ix *Index) Insert(b Blob) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketBlobs).Get(b.Key[:]) != nil {
			return fmt.Errorf("storage: index row %s already exists", b.Key)
		}
		return putBlob(tx, b)
	})
}

// Update applies fn to the row for d and stores the result.
func (ix *Index) Update(d Digest, fn func(*Blob) error) (Blob, error) {
	var b Blob
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		var err error
		b, err = getBlob(tx, d)
		if err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		return putBlob(tx, b)
	})
	return b, err
}

// Delete removes the row for d.
func (ix *Index) Delete(d Digest) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketBlobs)
		if bkt.Get(d[:]) == nil {
			return ErrNotFound
		}
		return bkt.Delete(d[:])
	})
}

// List returns every row in digest order.
func (ix *Index) List() ([]Blob, error) {
	var out []Blob
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			var b Blob
			if err := decodeGob(v, &b); err != nil {
				return fmt.Errorf("%w: %x: %v", ErrIndexCorrupt, k, err)
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func getBlob(tx *bbolt.Tx, d Digest) (Blob, error) {
	var b Blob
	data := tx.Bucket(bucketBlobs).Get(d[:])
	if data == nil {
		return b, ErrNotFound
	}
	if err := decodeGob(data, &b); err != nil {
		return b, fmt.Errorf("%w: %s: %v", ErrIndexCorrupt, d, err)
	}
	return b, nil
}

func putBlob(tx *bbolt.Tx, b Blob) error {
	data, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("storage: encode index row: %w", err)
	}
	if err := tx.Bucket(bucketBlobs).Put(b.Key[:], data); err != nil {
		return fmt.Errorf("storage: put index row: %w", err)
	}
	return nil
}

// encodeGob serializes a value using gob encoding.
func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGob deserializes gob-encoded data into a value.
func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
