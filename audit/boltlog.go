package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEvents = []byte("audit_events")

// BoltLog persists events in bbolt under increasing sequence numbers.
type BoltLog struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltLog returns a BoltLog backed by db, creating its bucket if needed.
func NewBoltLog(db *bbolt.DB) (*BoltLog, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return fmt.Errorf("audit: create bucket %q: %w", bucketEvents, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltLog{db: db, now: time.Now}, nil
}

// Append writes e after the last stored event.
func (l *BoltLog) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	e = e.stamp(l.now)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(binary.BigEndian.AppendUint64(nil, seq), buf.Bytes())
	})
}

// List returns the events for which match returns true, newest first, up to
// limit (0 means no limit). A nil match selects everything.
func (l *BoltLog) List(match func(Event) bool, limit int) ([]Event, error) {
	var out []Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Event
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return fmt.Errorf("%w: seq %d: %v", ErrCorrupt, binary.BigEndian.Uint64(k), err)
			}
			if match != nil && !match(e) {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ForFile selects events about fileID.
func ForFile(fileID string) func(Event) bool {
	return func(e Event) bool { return e.FileID == fileID }
}

// ForPrincipal selects events by principal.
func ForPrincipal(principal string) func(Event) bool {
	return func(e Event) bool { return e.Principal == principal }
}
