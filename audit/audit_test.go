package audit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestLog(t *testing.T) *BoltLog {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := NewBoltLog(db)
	require.NoError(t, err)
	return l
}

// --- BoltLog tests ---

func TestBoltLog_AppendList(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Event{FileID: "f1", Principal: "alice", Action: ActionUpload}))
	require.NoError(t, l.Append(ctx, Event{FileID: "f1", Principal: "bob", Action: ActionReference}))
	require.NoError(t, l.Append(ctx, Event{FileID: "f2", Principal: "alice", Action: ActionDownload, RemoteAddr: "10.0.0.1"}))

	all, err := l.List(nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ActionDownload, all[0].Action, "newest first")
	assert.Equal(t, "10.0.0.1", all[0].RemoteAddr)
	assert.Equal(t, ActionUpload, all[2].Action)
	for _, e := range all {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	}

	f1, err := l.List(ForFile("f1"), 0)
	require.NoError(t, err)
	assert.Len(t, f1, 2)

	alice, err := l.List(ForPrincipal("alice"), 1)
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "f2", alice[0].FileID)
}

func TestBoltLog_KeepsGivenStamp(t *testing.T) {
	l := newTestLog(t)
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(context.Background(), Event{ID: "e1", Principal: "alice", Action: ActionRotate, Time: at}))

	all, err := l.List(nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "e1", all[0].ID)
	assert.Equal(t, at, all[0].Time)
}

func TestBoltLog_Invalid(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	assert.ErrorIs(t, l.Append(ctx, Event{Action: ActionUpload}), ErrInvalidEvent)
	assert.ErrorIs(t, l.Append(ctx, Event{Principal: "alice"}), ErrInvalidEvent)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, l.Append(cancelled, Event{Principal: "alice", Action: ActionUpload}), context.Canceled)

	all, err := l.List(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// --- Sink tests ---

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Log: zerolog.New(&buf)}

	require.NoError(t, s.Append(context.Background(), Event{FileID: "f1", Principal: "alice", Action: ActionDelete}))
	out := buf.String()
	assert.Contains(t, out, `"action":"delete"`)
	assert.Contains(t, out, `"principal":"alice"`)
	assert.Contains(t, out, `"file":"f1"`)
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, Event) error { return f.err }

type recordingSink struct{ events []Event }

func (r *recordingSink) Append(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	boom := errors.New("boom")
	m := Multi(a, failingSink{err: boom}, b)

	err := m.Append(context.Background(), Event{Principal: "alice", Action: ActionUpload})
	assert.ErrorIs(t, err, boom)

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1, "later sinks still receive the event")
	assert.Equal(t, a.events[0].ID, b.events[0].ID)
	assert.Equal(t, a.events[0].Time, b.events[0].Time)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Append(context.Background(), Event{}))
}
