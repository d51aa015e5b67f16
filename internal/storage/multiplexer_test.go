package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory Storage for exercising Multiplexer
// fan-out/backfill without touching disk.
type fakeStore struct {
	name        string
	entries     map[string]Entry
	recacheKeys map[string]bool
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{name: name, entries: map[string]Entry{}}
}

func (f *fakeStore) Get(ctx context.Context, key string) (Outcome, error) {
	if f.recacheKeys[key] {
		return Outcome{Recache: true}, nil
	}
	e, ok := f.entries[key]
	return Outcome{Found: ok, Entry: e}, nil
}

func (f *fakeStore) Put(ctx context.Context, key string, entry Entry) (time.Duration, error) {
	f.entries[key] = entry
	return 0, nil
}

func (f *fakeStore) CurrentSize() int64 { return int64(len(f.entries)) }
func (f *fakeStore) MaxSize() int64     { return -1 }
func (f *fakeStore) Location() string   { return f.name }

func TestMultiplexerBackfillsHigherPriorityBackends(t *testing.T) {
	local := newFakeStore("local")
	remote := newFakeStore("remote")
	remote.entries["key"] = Entry{Blobs: map[string][]byte{"obj": []byte("from remote")}}

	mux := NewMultiplexer(local, remote)
	outcome, err := mux.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.Equal(t, []byte("from remote"), outcome.Entry.Blobs["obj"])

	// backfill into local happens synchronously with the Get call.
	backfilled, err := local.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.True(t, backfilled.Found)
}

func TestMultiplexerPutFansOutToAllBackends(t *testing.T) {
	a, b := newFakeStore("a"), newFakeStore("b")
	mux := NewMultiplexer(a, b)

	_, err := mux.Put(context.Background(), "key", Entry{Blobs: map[string][]byte{"obj": []byte("x")}})
	require.NoError(t, err)

	for _, s := range []*fakeStore{a, b} {
		out, err := s.Get(context.Background(), "key")
		require.NoError(t, err)
		assert.True(t, out.Found)
	}
}

func TestMultiplexerMissWhenNoBackendHasKey(t *testing.T) {
	mux := NewMultiplexer(newFakeStore("a"), newFakeStore("b"))
	out, err := mux.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestMultiplexerRecacheShortCircuitsWithoutTryingLowerPriorityBackends(t *testing.T) {
	local := newFakeStore("local")
	local.recacheKeys = map[string]bool{"key": true}
	remote := newFakeStore("remote")
	remote.entries["key"] = Entry{Blobs: map[string][]byte{"obj": []byte("from remote")}}

	mux := NewMultiplexer(local, remote)
	out, err := mux.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.False(t, out.Found)
	assert.True(t, out.Recache)
}
