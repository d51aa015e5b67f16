// Package storage implements the cache backend contract of spec.md §6: a
// content-addressed blob store keyed by the fingerprints internal/compiler
// produces, with two concrete backends (local disk, remote HTTP) and a
// multiplexer that layers them. Grounded on the teacher's src/cache
// multiplexer pattern (cache.go, dir_cache.go, http_cache.go).
package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"time"
)

// Entry is one sealed cache entry being stored: a set of named blobs
// (logical output name -> contents) sealed together under a single key,
// plus the POSIX mode each blob was originally written with (spec.md §4.4
// step 3: "if the entry carries a file mode, apply it").
type Entry struct {
	Blobs map[string][]byte
	Modes map[string]os.FileMode
}

// Outcome is the result of a Get, per spec.md §6's storage contract
// (Cache ∈ {Hit, Miss, Recache}): a hit with the sealed entry's contents
// (Found), a clean miss (neither Found nor Recache), or a backend signal
// that a present entry must be treated as absent (Recache).
type Outcome struct {
	Found   bool
	Recache bool
	Entry   Entry
}

// entryFormatVersion is bumped whenever the sealed zip layout changes in
// a way older readers can't interpret. A backend that unseals an entry
// stamped with a different version returns Recache rather than a Hit it
// can't safely decode, per spec.md §3's "Recache — a storage-backend
// signal that the client should treat an otherwise-present entry as if
// absent."
const entryFormatVersion = 1

// formatVersionBlob is a reserved zip entry name carrying entryFormatVersion
// alongside an entry's real blobs. It's prefixed with a NUL byte so it can
// never collide with a real compiler output's logical name.
const formatVersionBlob = "\x00sccache-entry-version"

// sealEntry serializes entry into the zip-container format shared by
// DiskStore and HTTPStore, stamping it with entryFormatVersion.
func sealEntry(entry Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(entry.Blobs))
	for name := range entry.Blobs {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic zip layout
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		if mode, ok := entry.Modes[name]; ok {
			hdr.SetMode(mode)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(entry.Blobs[name]); err != nil {
			return nil, err
		}
	}
	vw, err := zw.Create(formatVersionBlob)
	if err != nil {
		return nil, err
	}
	if _, err := vw.Write([]byte{entryFormatVersion}); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unsealEntry parses the zip-container format written by sealEntry. It
// returns a Recache outcome, not a Hit, when the stored entry's format
// version doesn't match entryFormatVersion.
func unsealEntry(data []byte) (Outcome, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Outcome{}, err
	}
	entry := Entry{Blobs: map[string][]byte{}, Modes: map[string]os.FileMode{}}
	var version byte
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return Outcome{}, err
		}
		contents, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return Outcome{}, err
		}
		if f.Name == formatVersionBlob {
			if len(contents) > 0 {
				version = contents[0]
			}
			continue
		}
		entry.Blobs[f.Name] = contents
		entry.Modes[f.Name] = f.Mode()
	}
	if version != entryFormatVersion {
		return Outcome{Recache: true}, nil
	}
	return Outcome{Found: true, Entry: entry}, nil
}

// Storage is the backend contract of spec.md §6: Get/Put keyed by the
// opaque fingerprint internal/compiler computes, plus size and location
// introspection. The GetStats RPC does not report these.
type Storage interface {
	// Get looks up key, returning a clean miss rather than an error when
	// the key is simply absent.
	Get(ctx context.Context, key string) (Outcome, error)
	// Put seals and stores entry under key, returning how long the write
	// took. The pipeline discards this duration; no stats histogram records it.
	Put(ctx context.Context, key string, entry Entry) (time.Duration, error)
	// CurrentSize reports the backend's current occupancy in bytes, or -1
	// if the backend doesn't track one (e.g. a remote HTTP cache).
	CurrentSize() int64
	// MaxSize reports the backend's configured capacity in bytes, or -1 if
	// unbounded/unknown.
	MaxSize() int64
	// Location is a human-readable description of the backend (e.g. a
	// directory path or a URL), used in log messages.
	Location() string
}
