package account

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func TestCreateGet(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Create(Principal{ID: "alice", Quota: 1000})
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Quota)
	assert.Equal(t, int64(0), got.Used)
	assert.False(t, got.HasKey())
}

func TestCreate_Errors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Principal{ID: "bob", Quota: 10})
	require.NoError(t, err)

	tests := []struct {
		name    string
		p       Principal
		wantErr error
	}{
		{"empty id", Principal{Quota: 10}, ErrEmptyID},
		{"negative quota", Principal{ID: "carol", Quota: -1}, ErrInvalidQuota},
		{"duplicate", Principal{ID: "bob", Quota: 10}, ErrExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(tt.p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreate_ClampsNegativeUsage(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(Principal{ID: "legacy", Quota: 100, Used: -40})
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Used)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("")
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Principal{ID: "alice", Quota: 1000})
	require.NoError(t, err)

	p, err := s.Update("alice", func(p *Principal) error {
		p.Used = 250
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250), p.Used)

	got, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.Used)
}

func TestUpdate_ErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Principal{ID: "alice", Quota: 1000})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update("alice", func(p *Principal) error {
		p.Used = 999
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Used)
}

func TestUpdate_ClampsNegative(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Principal{ID: "alice", Quota: 1000})
	require.NoError(t, err)

	p, err := s.Update("alice", func(p *Principal) error {
		p.Used -= 500
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Used)
}

func TestUpdate_Concurrent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Principal{ID: "alice", Quota: 1 << 30})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Update("alice", func(p *Principal) error {
				p.Used += 10
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(n*10), got.Used)
}

func TestSetWrappedKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Principal{ID: "alice", Quota: 1000})
	require.NoError(t, err)

	p, err := s.SetWrappedKey("alice", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, p.HasKey())
	assert.Equal(t, []byte{1, 2, 3}, p.WrappedKey)

	p, err = s.SetWrappedKey("alice", nil)
	require.NoError(t, err)
	assert.False(t, p.HasKey())
}

func TestIDs(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"carol", "alice", "bob"} {
		_, err := s.Create(Principal{ID: id, Quota: 1})
		require.NoError(t, err)
	}
	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}
