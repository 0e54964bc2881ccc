package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failure for retry and isolation decisions.
type Kind int

const (
	// KindUnknown is any error that carries no classification.
	KindUnknown Kind = iota
	// KindTransient covers network failures and 5xx responses; retryable.
	KindTransient
	// KindRateLimited covers 429 responses; retryable after a cooldown.
	KindRateLimited
	// KindNotFound means the upstream resource no longer exists.
	KindNotFound
	// KindPermanent covers 4xx responses that will not succeed on retry.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// TransientError wraps an error that is safe to retry (5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError is returned when the upstream throttles us. RetryAfter is
// zero when the server gave no hint.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NotFoundError reports that a resource is gone upstream (404/410).
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

// PermanentError is a non-retryable client error.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// FromHTTPStatus maps a non-2xx response to a classified error. header may be
// nil. Returns nil for 2xx codes.
func FromHTTPStatus(statusCode int, header http.Header, resource string) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	err := fmt.Errorf("http %d from %s", statusCode, resource)
	switch {
	case statusCode == http.StatusTooManyRequests:
		var after time.Duration
		if header != nil {
			after = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
		return &RateLimitError{Err: err, RetryAfter: after}
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return &NotFoundError{Resource: resource}
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	default:
		return &PermanentError{Err: err, StatusCode: statusCode}
	}
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds
// or as an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// KindOf classifies err. Rate limiting is checked before the generic
// transient patterns so throttling gets its own budget.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsNotFound reports whether err (or its chain) is a NotFoundError.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// RateLimitDelay returns the server-suggested wait when err is a rate-limit
// error. ok is false for any other error.
func RateLimitDelay(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped client errors often only keep the message.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue. 429 is not included; see RateLimitError.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
