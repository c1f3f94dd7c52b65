package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the upstream rejected the credentials (expired or revoked token).
	ErrUnauthorized = errors.New("upstream: unauthorized")
	// ErrRateLimited is surfaced only after the retry budget was spent on 429 responses.
	ErrRateLimited = errors.New("upstream: rate limited")
	// ErrRequestFailed covers every other non-success response.
	ErrRequestFailed = errors.New("upstream: request failed")
)

// StatusError carries the status of a failed upstream response.
type StatusError struct {
	Route  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned %d", e.Route, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrRequestFailed }
