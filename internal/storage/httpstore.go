package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPStore is a remote Storage backend, speaking PUT/GET of zip-sealed
// entries against a cache server, grounded on the teacher's httpCache
// (src/cache/http_cache.go) and tools/http_cache's server counterpart.
// go-retryablehttp replaces the teacher's bare *http.Client: a layered
// remote cache is exactly the kind of flaky-network dependency that
// benefits from the retry-with-backoff the teacher's http_cache.go lacks.
type HTTPStore struct {
	url    string
	client *retryablehttp.Client
}

// NewHTTPStore constructs an HTTPStore against the given base URL.
func NewHTTPStore(url string, timeout time.Duration) *HTTPStore {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = timeout
	client.Logger = nil // the teacher's op/go-logging backend doesn't implement retryablehttp's LeveledLogger
	return &HTTPStore{url: url, client: client}
}

func (s *HTTPStore) makeURL(key string) string {
	return s.url + "/" + key
}

// Get implements Storage.
func (s *HTTPStore) Get(ctx context.Context, key string) (Outcome, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.makeURL(key), nil)
	if err != nil {
		return Outcome{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Outcome{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Outcome{}, fmt.Errorf("http cache GET %s: %s: %s", key, resp.Status, string(b))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, err
	}
	return unsealEntry(body)
}

// Put implements Storage.
func (s *HTTPStore) Put(ctx context.Context, key string, entry Entry) (time.Duration, error) {
	start := time.Now()
	body, err := sealEntry(entry)
	if err != nil {
		return 0, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, s.makeURL(key), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("http cache PUT %s: %s: %s", key, resp.Status, string(b))
	}
	return time.Since(start), nil
}

// CurrentSize implements Storage: a remote cache's occupancy isn't this
// process's to track.
func (s *HTTPStore) CurrentSize() int64 { return -1 }

// MaxSize implements Storage.
func (s *HTTPStore) MaxSize() int64 { return -1 }

// Location implements Storage.
func (s *HTTPStore) Location() string {
	return fmt.Sprintf("http:%s", s.url)
}
