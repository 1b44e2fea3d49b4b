// Package account persists principals: their storage quota, the bytes they
// are charged for, and their raw secret wrapped under the master key.
package account

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketPrincipals = []byte("principals")

// Principal is an authenticated user of the store.
type Principal struct {
	ID         string
	Quota      int64  // bytes
	Used       int64  // bytes; never negative once read through Store
	WrappedKey []byte // nil when the principal stores plaintext
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasKey reports whether the principal has key material configured.
func (p Principal) HasKey() bool { return len(p.WrappedKey) > 0 }

// clamp repairs legacy negative usage.
func (p *Principal) clamp() {
	if p.Used < 0 {
		p.Used = 0
	}
}

// Store keeps principals in bbolt.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewStore returns a Store backed by db, creating its bucket if needed.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPrincipals); err != nil {
			return fmt.Errorf("account: create bucket %q: %w", bucketPrincipals, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Create registers a new principal.
func (s *Store) Create(p Principal) (Principal, error) {
	if p.ID == "" {
		return Principal{}, ErrEmptyID
	}
	if p.Quota < 0 {
		return Principal{}, ErrInvalidQuota
	}
	p.clamp()
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketPrincipals).Get([]byte(p.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, p.ID)
		}
		return put(tx, p)
	})
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Get returns the principal with id.
func (s *Store) Get(id string) (Principal, error) {
	var p Principal
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		p, err = get(tx, id)
		return err
	})
	return p, err
}

// Update applies fn to the principal with id inside a single write
// transaction and stores the result. Concurrent Updates of the same
// principal are serialized. If fn returns an error nothing is written.
func (s *Store) Update(id string, fn func(*Principal) error) (Principal, error) {
	var p Principal
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		p, err = get(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.clamp()
		p.UpdatedAt = s.now().UTC()
		return put(tx, p)
	})
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// SetWrappedKey replaces the principal's wrapped secret. A nil value clears
// it, returning the principal to plaintext mode for future uploads.
func (s *Store) SetWrappedKey(id string, wrapped []byte) (Principal, error) {
	return s.Update(id, func(p *Principal) error {
		p.WrappedKey = append([]byte(nil), wrapped...)
		if len(wrapped) == 0 {
			p.WrappedKey = nil
		}
		return nil
	})
}

// IDs returns every principal ID in key order.
func (s *Store) IDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrincipals).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func get(tx *bbolt.Tx, id string) (Principal, error) {
	var p Principal
	if id == "" {
		return p, ErrEmptyID
	}
	data := tx.Bucket(bucketPrincipals).Get([]byte(id))
	if data == nil {
		return p, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	p.clamp()
	return p, nil
}

func put(tx *bbolt.Tx, p Principal) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("account: encode principal: %w", err)
	}
	return tx.Bucket(bucketPrincipals).Put([]byte(p.ID), buf.Bytes())
}
