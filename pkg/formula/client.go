package formula

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tj-moody/zerobrew/pkg/cache"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/httputil"
	"github.com/tj-moody/zerobrew/pkg/observability"
)

const (
	clientTimeout = 10 * time.Second
	userAgent     = "zerobrew/0.1"
)

// Client reads the formula catalog over HTTPS with on-disk caching.
//
// Cached entries stay authoritative for the freshness TTL; after that a
// conditional GET (If-None-Match / If-Modified-Since) revalidates them, so a
// long TTL is safe. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	cache   cache.Cache
	ttl     time.Duration
	now     func() time.Time
}

// cachedFormula is the cache entry: the raw body plus the validators and
// fetch time needed for revalidation.
type cachedFormula struct {
	Body         []byte    `json:"body"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// NewClient creates a catalog client. The backend may be a null cache to
// disable caching; ttl is the freshness window before revalidation.
func NewClient(baseURL string, backend cache.Cache, ttl time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: clientTimeout},
		cache:   backend,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves the formula named name. If refresh is true the cache
// freshness window is ignored and the entry is revalidated upstream.
//
// Returns UNKNOWN_FORMULA when the catalog has no such entry or the entry
// cannot be decoded, and FETCH_FAILED for transport failures.
func (c *Client) Get(ctx context.Context, name string, refresh bool) (*Formula, error) {
	url := fmt.Sprintf("%s/%s.json", c.baseURL, name)
	key := "formula:" + name

	var entry cachedFormula
	var haveCached bool
	if data, ok, _ := c.cache.Get(ctx, key); ok {
		if json.Unmarshal(data, &entry) == nil {
			haveCached = true
		}
	}

	if haveCached && !refresh && c.now().Sub(entry.FetchedAt) < c.ttl {
		observability.Cache().OnCacheHit(ctx, "formula")
		return decode(entry.Body, name)
	}
	observability.Cache().OnCacheMiss(ctx, "formula")

	var body []byte
	err := httputil.RetryWithBackoff(ctx, func() error {
		var err error
		body, entry, err = c.fetch(ctx, url, entry, haveCached)
		return err
	})
	if err != nil {
		// A stale cached copy beats a network failure, unless the caller
		// explicitly asked for fresh data.
		if haveCached && !refresh && !zberr.Is(err, zberr.CodeUnknownFormula) {
			return decode(entry.Body, name)
		}
		return nil, err
	}

	entry.Body = body
	entry.FetchedAt = c.now()
	if data, err := json.Marshal(entry); err == nil {
		_ = c.cache.Set(ctx, key, data, 0)
		observability.Cache().OnCacheSet(ctx, "formula", len(data))
	}

	return decode(body, name)
}

// fetch performs one conditional GET attempt. On 304 it returns the cached
// body with refreshed validators.
func (c *Client) fetch(ctx context.Context, url string, cached cachedFormula, haveCached bool) ([]byte, cachedFormula, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cached, zberr.Wrap(zberr.CodeFetchFailed, err, "build request")
	}
	req.Header.Set("User-Agent", userAgent)
	if haveCached {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	start := time.Now()
	observability.HTTP().OnRequest(ctx, req.Method, req.URL.Host, req.URL.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		observability.HTTP().OnError(ctx, req.Method, req.URL.Host, req.URL.Path, err)
		return nil, cached, httputil.Retryable(zberr.Wrap(zberr.CodeFetchFailed, err, "fetch catalog"))
	}
	defer resp.Body.Close()
	observability.HTTP().OnResponse(ctx, req.Method, req.URL.Host, req.URL.Path, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotModified && haveCached:
		return cached.Body, cached, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, cached, zberr.New(zberr.CodeUnknownFormula, "formula not in catalog")
	case resp.StatusCode != http.StatusOK:
		err := zberr.New(zberr.CodeFetchFailed, "catalog returned HTTP %d", resp.StatusCode)
		if httputil.RetryableStatus(resp.StatusCode) {
			return nil, cached, httputil.Retryable(err)
		}
		return nil, cached, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cached, httputil.Retryable(zberr.Wrap(zberr.CodeFetchFailed, err, "read catalog body"))
	}
	cached.ETag = resp.Header.Get("ETag")
	cached.LastModified = resp.Header.Get("Last-Modified")
	return body, cached, nil
}

func decode(body []byte, name string) (*Formula, error) {
	var f Formula
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, zberr.Wrap(zberr.CodeUnknownFormula, err, "unparseable catalog entry for %q", name)
	}
	if f.Name == "" {
		return nil, zberr.New(zberr.CodeUnknownFormula, "catalog entry for %q has no name", name)
	}
	return &f, nil
}
