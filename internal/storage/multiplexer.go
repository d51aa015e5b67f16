package storage

import (
	"context"
	"time"
)

// Multiplexer layers several Storage backends into one, fastest/local
// first, grounded on the teacher's cacheMultiplexer (src/cache/cache.go).
// Lookups try each backend in order and, on a hit from a lower-priority
// backend, backfill every higher-priority one (the teacher's
// storeUntil/RetrieveExtra pattern). Stores fan out to all backends
// concurrently, since there's no correctness reason to serialize them.
type Multiplexer struct {
	backends []Storage
}

// NewMultiplexer layers backends in priority order, first = tried first on
// lookup. A single backend is still wrapped for interface uniformity; the
// teacher instead special-cases that to skip the indirection, which this
// generalization doesn't need since Multiplexer adds no real overhead.
func NewMultiplexer(backends ...Storage) *Multiplexer {
	return &Multiplexer{backends: backends}
}

// Get implements Storage: tries each backend in priority order, backfilling
// every higher-priority backend on a hit from further down the chain. A
// Recache from any backend is returned immediately rather than falling
// through to the next one: it's a definitive "treat as absent", not a
// plain miss that a lower-priority backend might still resolve.
func (m *Multiplexer) Get(ctx context.Context, key string) (Outcome, error) {
	for i, b := range m.backends {
		out, err := b.Get(ctx, key)
		if err != nil {
			log.Warningf("Cache backend %s failed on Get: %s", b.Location(), err)
			continue
		}
		if out.Recache {
			return out, nil
		}
		if !out.Found {
			continue
		}
		m.backfill(ctx, key, out.Entry, m.backends[:i])
		return out, nil
	}
	return Outcome{}, nil
}

// backfill stores entry into every backend ahead of the one it was found
// in, concurrently, best-effort.
func (m *Multiplexer) backfill(ctx context.Context, key string, entry Entry, ahead []Storage) {
	if len(ahead) == 0 {
		return
	}
	done := make(chan struct{}, len(ahead))
	for _, b := range ahead {
		go func(b Storage) {
			defer func() { done <- struct{}{} }()
			if _, err := b.Put(ctx, key, entry); err != nil {
				log.Warningf("Cache backend %s failed to backfill: %s", b.Location(), err)
			}
		}(b)
	}
	for range ahead {
		<-done
	}
}

// Put implements Storage: stores to every backend concurrently, per the
// teacher's storeUntil.
func (m *Multiplexer) Put(ctx context.Context, key string, entry Entry) (time.Duration, error) {
	start := time.Now()
	done := make(chan error, len(m.backends))
	for _, b := range m.backends {
		go func(b Storage) {
			_, err := b.Put(ctx, key, entry)
			done <- err
		}(b)
	}
	var firstErr error
	for range m.backends {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return time.Since(start), firstErr
}

// CurrentSize implements Storage: the size of the first (local) backend
// that reports one.
func (m *Multiplexer) CurrentSize() int64 {
	for _, b := range m.backends {
		if s := b.CurrentSize(); s >= 0 {
			return s
		}
	}
	return -1
}

// MaxSize implements Storage.
func (m *Multiplexer) MaxSize() int64 {
	for _, b := range m.backends {
		if s := b.MaxSize(); s >= 0 {
			return s
		}
	}
	return -1
}

// Location implements Storage.
func (m *Multiplexer) Location() string {
	loc := ""
	for i, b := range m.backends {
		if i > 0 {
			loc += "+"
		}
		loc += b.Location()
	}
	return loc
}
