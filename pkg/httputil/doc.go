// Package httputil provides the retry policy shared by the bottle fetcher
// and the catalog client.
//
// # Retry
//
// [Retry] wraps HTTP requests with automatic retry for transient failures:
//
//   - Network errors
//   - 5xx server errors
//   - 408 and 429 responses
//
// It uses exponential backoff between attempts:
//
//	err := httputil.RetryWithBackoff(ctx, func() error {
//	    return doRequest()
//	})
//
// Only errors wrapped in [RetryableError] are retried; permanent failures
// (4xx responses, digest mismatches) surface immediately. Use
// [RetryableStatus] to classify an HTTP status code.
package httputil
