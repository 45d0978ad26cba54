package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies adapter failures
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindAuthExpired
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Sentinels matched with errors.Is against any *ProviderError of the same kind
var (
	ErrTransient   = &ProviderError{Kind: KindTransient}
	ErrRateLimited = &ProviderError{Kind: KindRateLimited}
	ErrAuthExpired = &ProviderError{Kind: KindAuthExpired}
	ErrPermanent   = &ProviderError{Kind: KindPermanent}
)

// ProviderError carries the failure kind of an adapter or token call
type ProviderError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches any ProviderError with the same kind
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Kind == e.Kind
}

func Transient(err error) error   { return &ProviderError{Kind: KindTransient, Err: err} }
func AuthExpired(err error) error { return &ProviderError{Kind: KindAuthExpired, Err: err} }
func Permanent(err error) error   { return &ProviderError{Kind: KindPermanent, Err: err} }

func RateLimited(err error, retryAfter time.Duration) error {
	return &ProviderError{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Classify returns the kind of err. Unclassified errors and timeouts are transient.
func Classify(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Retryable reports whether err counts toward the consecutive error threshold
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// RetryAfter returns the provider's backoff hint, if any
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsTimeout reports whether err came from a deadline or cancellation
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// FromStatus classifies a failed HTTP call by status code. 401 is auth, 429 is
// rate limited (honouring Retry-After), 408 and 5xx are transient, other 4xx permanent.
func FromStatus(code int, header http.Header, err error) error {
	switch {
	case code == http.StatusUnauthorized:
		return AuthExpired(err)
	case code == http.StatusTooManyRequests:
		return RateLimited(err, ParseRetryAfter(header))
	case code == http.StatusRequestTimeout || code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	}
	return Transient(err)
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form
func ParseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
