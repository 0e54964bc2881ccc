// Package fetcher is the HTTP transport to the upstream API: per-host adaptive
// rate limiting and translation of responses into resilience error kinds.
package fetcher

import (
	"context"
)

// Fetcher retrieves JSON documents. Errors are classified with the
// resilience package: *resilience.RateLimitError, *resilience.NotFoundError,
// *resilience.TransientError, or *resilience.PermanentError.
type Fetcher interface {
	// GetJSON performs a single GET and returns the response body. No retries.
	GetJSON(ctx context.Context, url string) ([]byte, error)
}
