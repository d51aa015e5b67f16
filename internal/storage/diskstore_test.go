package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreStoreAndRetrieve(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 10*1024*1024)
	require.NoError(t, err)

	entry := Entry{
		Blobs: map[string][]byte{"obj": []byte("object file contents")},
		Modes: map[string]os.FileMode{"obj": 0755},
	}
	_, err = store.Put(context.Background(), "abc123", entry)
	require.NoError(t, err)

	outcome, err := store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.Equal(t, []byte("object file contents"), outcome.Entry.Blobs["obj"])
	assert.Equal(t, os.FileMode(0755), outcome.Entry.Modes["obj"])
}

func TestDiskStoreMissIsClean(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 10*1024*1024)
	require.NoError(t, err)

	outcome, err := store.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, outcome.Found)
}

func TestDiskStorePutIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 10*1024*1024)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "key", Entry{Blobs: map[string][]byte{"obj": []byte("x")}})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no temp files should survive a completed Put")
}

func TestDiskStoreGetSignalsRecacheOnFormatVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 10*1024*1024)
	require.NoError(t, err)

	// Hand-write an entry stamped with a format version that doesn't
	// match entryFormatVersion, simulating one sealed by a future
	// incompatible sccached build.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("obj")
	require.NoError(t, err)
	_, err = w.Write([]byte("stale contents"))
	require.NoError(t, err)
	vw, err := zw.Create(formatVersionBlob)
	require.NoError(t, err)
	_, err = vw.Write([]byte{entryFormatVersion + 1})
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(store.pathFor("stalekey"), buf.Bytes(), 0644))

	outcome, err := store.Get(context.Background(), "stalekey")
	require.NoError(t, err)
	assert.False(t, outcome.Found)
	assert.True(t, outcome.Recache)
}

func TestDiskStoreCurrentSizeTracksPuts(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 10*1024*1024)
	require.NoError(t, err)

	before := store.CurrentSize()
	_, err = store.Put(context.Background(), "key", Entry{Blobs: map[string][]byte{"obj": []byte("some content")}})
	require.NoError(t, err)
	assert.Greater(t, store.CurrentSize(), before)
}
