// Package fetch downloads bottle archives with bounded parallelism,
// per-digest request deduplication, SHA-256 verification, and resumable
// transfers.
//
// Concurrent calls for the same digest within one process share a single
// HTTP transfer; every caller observes the same cached file once it
// completes. Transfers are bounded by a global cap and a per-host cap, and
// transient failures retry with exponential backoff. Interrupted transfers
// leave a stable part file that the next attempt continues with a Range
// request.
package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/tj-moody/zerobrew/pkg/blob"
	"github.com/tj-moody/zerobrew/pkg/digest"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/httputil"
	"github.com/tj-moody/zerobrew/pkg/observability"
)

// Defaults for the concurrency and retry knobs.
const (
	DefaultGlobal   = 8
	DefaultPerHost  = 4
	DefaultAttempts = 3
	DefaultTimeout  = 60 * time.Second

	retryBaseDelay = time.Second
	userAgent      = "zerobrew/0.1"
)

// Progress receives transfer updates for one download. Total is -1 when the
// server does not announce a length.
type Progress func(downloaded, total int64)

// Options configures a Fetcher. Zero values fall back to the defaults.
type Options struct {
	Global   int           // Global concurrent transfer cap
	PerHost  int           // Per-host concurrent transfer cap
	Attempts int           // Retry attempts for transient failures
	Timeout  time.Duration // Per-request timeout
}

// Fetcher is a parallel, deduplicating bottle downloader.
// All methods are safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	cache    *blob.Cache
	group    singleflight.Group
	global   *semaphore.Weighted
	attempts int

	mu      sync.Mutex
	hosts   map[string]*semaphore.Weighted
	perHost int64
}

// New creates a Fetcher writing completed downloads into cache.
func New(cache *blob.Cache, opts Options) *Fetcher {
	if opts.Global <= 0 {
		opts.Global = DefaultGlobal
	}
	if opts.PerHost <= 0 {
		opts.PerHost = DefaultPerHost
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		cache:    cache,
		global:   semaphore.NewWeighted(int64(opts.Global)),
		attempts: opts.Attempts,
		hosts:    make(map[string]*semaphore.Weighted),
		perHost:  int64(opts.PerHost),
	}
}

// Get downloads rawURL, verifies it against want, and returns the path of
// the completed cache blob. A cache hit short-circuits the network; a
// concurrent Get for the same digest shares one transfer.
func (f *Fetcher) Get(ctx context.Context, rawURL string, want digest.Digest, progress Progress) (string, error) {
	if f.cache.Has(want) {
		return f.cache.Path(want), nil
	}

	path, err, _ := f.group.Do(want.String(), func() (any, error) {
		// A racing caller may have completed the transfer while this one
		// waited on the singleflight slot.
		if f.cache.Has(want) {
			return f.cache.Path(want), nil
		}
		return f.download(ctx, rawURL, want, progress)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string, want digest.Digest, progress Progress) (string, error) {
	host := hostOf(rawURL)
	if err := f.global.Acquire(ctx, 1); err != nil {
		return "", zberr.Wrap(zberr.CodeCancelled, err, "waiting for download slot")
	}
	defer f.global.Release(1)

	hostSem := f.hostSemaphore(host)
	if err := hostSem.Acquire(ctx, 1); err != nil {
		return "", zberr.Wrap(zberr.CodeCancelled, err, "waiting for %s slot", host)
	}
	defer hostSem.Release(1)

	var path string
	err := httputil.Retry(ctx, f.attempts, retryBaseDelay, func() error {
		var err error
		path, err = f.attempt(ctx, rawURL, want, progress)
		return err
	})
	if err != nil {
		f.cache.DiscardPart(want)
		if ctx.Err() != nil && !zberr.Is(err, zberr.CodeCancelled) {
			return "", zberr.Wrap(zberr.CodeCancelled, ctx.Err(), "download %s", rawURL)
		}
		return "", err
	}
	return path, nil
}

// attempt performs one transfer try, resuming any existing part file.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, want digest.Digest, progress Progress) (string, error) {
	part, err := os.OpenFile(f.cache.PartPath(want), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", zberr.Wrap(zberr.CodeFetchFailed, err, "open part file")
	}
	defer part.Close()

	// Hash whatever a previous attempt already downloaded so the verifier
	// covers the whole body.
	hasher := sha256.New()
	resumeFrom, err := io.Copy(hasher, part)
	if err != nil {
		return "", zberr.Wrap(zberr.CodeFetchFailed, err, "rehash part file")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", zberr.Wrap(zberr.CodeFetchFailed, err, "build request")
	}
	req.Header.Set("User-Agent", userAgent)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	start := time.Now()
	observability.HTTP().OnRequest(ctx, req.Method, req.URL.Host, req.URL.Path)
	resp, err := f.client.Do(req)
	if err != nil {
		observability.HTTP().OnError(ctx, req.Method, req.URL.Host, req.URL.Path, err)
		return "", httputil.Retryable(zberr.Wrap(zberr.CodeFetchFailed, err, "GET %s", rawURL))
	}
	defer resp.Body.Close()
	observability.HTTP().OnResponse(ctx, req.Method, req.URL.Host, req.URL.Path, resp.StatusCode, time.Since(start))

	switch resp.StatusCode {
	case http.StatusOK:
		// Full body: any resumed prefix is void.
		if resumeFrom > 0 {
			if err := part.Truncate(0); err != nil {
				return "", zberr.Wrap(zberr.CodeFetchFailed, err, "truncate part file")
			}
			if _, err := part.Seek(0, io.SeekStart); err != nil {
				return "", zberr.Wrap(zberr.CodeFetchFailed, err, "rewind part file")
			}
			hasher = sha256.New()
			resumeFrom = 0
		}
	case http.StatusPartialContent:
		// Continue appending after the resumed prefix.
	default:
		err := zberr.New(zberr.CodeFetchFailed, "GET %s returned HTTP %d", rawURL, resp.StatusCode)
		if httputil.RetryableStatus(resp.StatusCode) {
			return "", httputil.Retryable(err)
		}
		return "", err
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = resumeFrom + resp.ContentLength
	}
	if err := copyBody(resp.Body, part, hasher, resumeFrom, total, progress); err != nil {
		return "", httputil.Retryable(zberr.Wrap(zberr.CodeFetchFailed, err, "read body of %s", rawURL))
	}

	var actual digest.Digest
	copy(actual[:], hasher.Sum(nil))
	if actual != want {
		f.cache.DiscardPart(want)
		return "", zberr.New(zberr.CodeDigestMismatch,
			"bottle digest mismatch (expected %s, got %s)", want, actual)
	}

	if err := part.Sync(); err != nil {
		return "", zberr.Wrap(zberr.CodeFetchFailed, err, "sync part file")
	}
	path, err := f.cache.CommitPart(want)
	if err != nil {
		return "", zberr.Wrap(zberr.CodeFetchFailed, err, "commit blob")
	}
	return path, nil
}

func copyBody(body io.Reader, dst io.Writer, h hash.Hash, downloaded, total int64, progress Progress) error {
	buf := make([]byte, 128<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			downloaded += int64(n)
			if progress != nil {
				progress(downloaded, total)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (f *Fetcher) hostSemaphore(host string) *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	sem, ok := f.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(f.perHost)
		f.hosts[host] = sem
	}
	return sem
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
