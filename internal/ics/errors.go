package ics

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedURL is fatal for a source; it is never retried.
	ErrMalformedURL = errors.New("malformed URL")

	ErrNetwork       = errors.New("network error")
	ErrTimeout       = errors.New("request timeout")
	ErrHTTPStatus    = errors.New("unexpected HTTP status")
	ErrEmptyResponse = errors.New("empty response received")
	ErrParse         = errors.New("calendar parse failed")

	// ErrRecurrence is scoped to a single record; the rest of the feed
	// is still delivered.
	ErrRecurrence = errors.New("recurrence expansion failed")
)

// StatusError is returned for any non-200 final response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// Error kinds used when reporting failures to consumers.
const (
	KindMalformedURL  = "malformed_url"
	KindNetwork       = "network"
	KindTimeout       = "timeout"
	KindHTTPStatus    = "http_status"
	KindEmptyResponse = "empty_response"
	KindParse         = "parse"
	KindUnknown       = "unknown"
)

// ErrorKind classifies err into one of the Kind* constants.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedURL):
		return KindMalformedURL
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrHTTPStatus):
		return KindHTTPStatus
	case errors.Is(err, ErrEmptyResponse):
		return KindEmptyResponse
	case errors.Is(err, ErrParse):
		return KindParse
	default:
		return KindUnknown
	}
}

// Retryable reports whether a failed cycle should be retried with backoff.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrMalformedURL)
}
