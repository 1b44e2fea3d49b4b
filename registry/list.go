package registry

import (
	"bytes"
	"iter"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Filter narrows ListOwned. The zero Filter matches everything.
type Filter struct {
	Name        string // case-insensitive substring of the display name
	ContentType string // case-insensitive substring of the content type

	MinSize int64 // inclusive
	MaxSize int64 // inclusive; 0 means no upper bound

	// From and To bound the creation date at day granularity in their own
	// location: From includes its whole day onward, To includes its whole
	// day. Zero values are unbounded.
	From time.Time
	To   time.Time

	SealedOnly bool
}

func (f Filter) lower() time.Time {
	if f.From.IsZero() {
		return time.Time{}
	}
	return startOfDay(f.From)
}

func (f Filter) upper() time.Time {
	if f.To.IsZero() {
		return time.Time{}
	}
	return startOfDay(f.To).AddDate(0, 0, 1)
}

func (f Filter) match(e Entry) bool {
	if f.Name != "" && !containsFold(e.Name, f.Name) {
		return false
	}
	if f.ContentType != "" && !containsFold(e.ContentType, f.ContentType) {
		return false
	}
	if e.Size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && e.Size > f.MaxSize {
		return false
	}
	if lo := f.lower(); !lo.IsZero() && e.CreatedAt.Before(lo) {
		return false
	}
	if hi := f.upper(); !hi.IsZero() && !e.CreatedAt.Before(hi) {
		return false
	}
	if f.SealedOnly && !e.Encrypted() {
		return false
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ListOwned returns owner's entries matching f, newest first.
//
// The sequence is lazy: index rows are read a page at a time in short read
// transactions and entries are yielded outside them, so the consumer may
// modify the registry while iterating. Each range over the returned
// sequence starts again from the newest entry.
func (r *Registry) ListOwned(owner string, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		prefix := ownerPrefix(owner)
		// Seeking to the first key past the owner's range and stepping back
		// lands on their newest entry.
		from := prefixEnd(prefix)
		for {
			page, next, err := r.page(prefix, from, f)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if next == nil {
				return
			}
			from = next
		}
	}
}

// page reads up to pageSize index rows strictly before key from (or from
// the end of the bucket when from is nil), walking backwards within prefix. It returns the matches and the key to resume
// from, or nil when the owner's range is exhausted.
func (r *Registry) page(prefix, from []byte, f Filter) ([]Entry, []byte, error) {
	var (
		out  []Entry
		next []byte
	)
	lo := f.lower()
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByOwner).Cursor()
		var k []byte
		if from != nil {
			k, _ = c.Seek(from)
		}
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}

		scanned := 0
		for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Prev() {
			if scanned == r.pageSize {
				next = bytes.Clone(k)
				// Resume strictly before the last scanned key.
				next = append(next, 0)
				return nil
			}
			scanned++

			// Everything from here on is older still.
			if !lo.IsZero() && createdFromOwnerKey(k, prefix).Before(lo) {
				return nil
			}
			e, err := getEntry(tx, idFromOwnerKey(k, prefix))
			if err != nil {
				return err
			}
			if f.match(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, next, err
}
