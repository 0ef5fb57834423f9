// Package errors defines the error taxonomy shared by the fetch scheduler and
// the external API client. Sentinels distinguish retryable conditions
// (throttling, timeouts, upstream failures) from terminal ones (no match,
// unusable payload, ledger write failure).
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrThrottled signals an explicit rate-limit response from the API.
	ErrThrottled = errors.New("request throttled")
	// ErrTimeout signals a request that exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrNotFound signals the API answered with zero matches. Terminal for a
	// fallback level, not for the record.
	ErrNotFound = errors.New("no matches found")
	// ErrServerError signals a 5xx upstream response.
	ErrServerError = errors.New("upstream server error")
	// ErrMalformedResponse signals an unparseable payload. Assumed systematic,
	// never retried.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrLedgerWrite signals a failed durable append. Fatal to the run.
	ErrLedgerWrite = errors.New("ledger write failed")
	// ErrRunInProgress signals a second run was started before the first
	// released its token.
	ErrRunInProgress = errors.New("run already in progress")
)

// LookupError wraps a taxonomy sentinel with request context so logs can point
// back at the offending query.
type LookupError struct {
	Err   error
	Query string
	Raw   string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: query %q", e.Err.Error(), e.Query)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel with the query that triggered it. Raw optionally
// carries a reference to the unparseable payload for offline inspection.
func New(sentinel error, query, raw string) *LookupError {
	return &LookupError{Err: sentinel, Query: query, Raw: raw}
}

// Retryable reports whether err is transient and worth another attempt after
// backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServerError)
}

// Terminal reports whether err must not be retried under any budget.
func Terminal(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}
