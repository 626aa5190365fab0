// Package provider defines the endpoint abstraction the dispatcher calls
// and the failure taxonomy adapters must report through.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fleetmesh/fleetmesh"
)

// Endpoint is one reachable serving provider. Adapters translate between
// the dispatcher's request shape and the provider's wire protocol.
type Endpoint interface {
	Complete(ctx context.Context, request *fleetmesh.Request) (*fleetmesh.Response, error)
	Ping(ctx context.Context) (time.Duration, error)
	Provider() string
	Shutdown() error
}

type (
	// RejectedError marks a request the provider refused (malformed
	// request, content policy). Not retried against the same provider.
	RejectedError struct{ error }

	// UnavailableError marks a transport failure, timeout, or 5xx.
	// Counts against the provider's health.
	UnavailableError struct{ error }

	// RateLimitError marks the provider's own throttle signal.
	RateLimitError struct{ error }
)

func (e RejectedError) Unwrap() error    { return e.error }
func (e UnavailableError) Unwrap() error { return e.error }
func (e RateLimitError) Unwrap() error   { return e.error }

func Rejected(err error) error    { return RejectedError{err} }
func Unavailable(err error) error { return UnavailableError{err} }
func RateLimited(err error) error { return RateLimitError{err} }

// FromStatusCode wraps err according to the HTTP status the provider
// answered with.
func FromStatusCode(statusCode int, err error) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return RateLimitError{err}
	case statusCode >= 400 && statusCode < 500:
		return RejectedError{err}
	default:
		return UnavailableError{err}
	}
}

// FromTransportError wraps transport-level failures, treating context
// expiry and connection errors alike as the provider being unreachable.
func FromTransportError(err error) error {
	var rejected RejectedError
	var rateLimited RateLimitError
	if errors.As(err, &rejected) || errors.As(err, &rateLimited) {
		return err
	}
	return UnavailableError{err}
}
