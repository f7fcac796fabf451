package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrBreakerOpen is returned without touching the network while the
	// circuit breaker is open.
	ErrBreakerOpen = errors.New("broker: circuit breaker open")

	// ErrRateLimited is returned when a token could not be acquired within
	// the limiter timeout.
	ErrRateLimited = errors.New("broker: rate limited")

	// ErrNotFound is returned for lookups of unknown orders or positions.
	ErrNotFound = errors.New("broker: not found")
)

// VenueError is a rejection produced by the venue itself, for example
// insufficient buying power or an unknown symbol. Venue rejections are never
// retried.
type VenueError struct {
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("broker: venue rejected request (%d): %s", e.Code, e.Message)
}

// ValidationError is a request the gateway refused to send.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("broker: invalid %s: %s", e.Field, e.Reason)
}

// Retryable reports whether a failed call may be attempted again. Transient
// transport faults and rate limits qualify; venue rejections, validation
// failures and caller cancellation do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Code == 429 || ve.Code >= 500
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unknown failures are treated as transient.
	return true
}

// errorKind labels an error for metrics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return "venue_reject"
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return "validation"
	}
	return "transient"
}
