package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a collaborator failure.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ProviderError is returned by captioning and embedding clients.
type ProviderError struct {
	Kind     Kind
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError of the given kind.
func NewProviderError(provider string, kind Kind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// FromStatus wraps err as a ProviderError classified by HTTP status.
func FromStatus(provider string, status int, err error) *ProviderError {
	return &ProviderError{Kind: KindForStatus(status), Provider: provider, Status: status, Err: err}
}

// FromTransport classifies an error raised before any response arrived.
// Network failures and deadlines are transient; cancellation is permanent
// so callers stop promptly.
func FromTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Kind: KindPermanent, Provider: provider, Err: err}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ne) {
		return &ProviderError{Kind: KindTransient, Provider: provider, Err: err}
	}
	return &ProviderError{Kind: KindPermanent, Provider: provider, Err: err}
}

// KindOf reports the kind of err, or KindPermanent if err carries none.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}
	return KindPermanent
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

// IsRateLimited reports whether err is a rate limit rejection.
func IsRateLimited(err error) bool {
	return err != nil && KindOf(err) == KindRateLimited
}
