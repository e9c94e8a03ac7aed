// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind classifies a provider failure so the router can decide whether
// to retry, rotate credentials, or abort.
type ErrorKind string

const (
	// ErrorKindAuth means the provider rejected authentication. Permanent
	// for the credential used.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindRateLimited means the provider throttled the request.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindTransient covers timeouts, 5xx responses and connection
	// failures. Retryable with backoff.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindMalformed means the request itself was rejected. Indicates a
	// construction bug, never retried.
	ErrorKindMalformed ErrorKind = "malformed"

	// ErrorKindUnknown is anything the adapter could not classify.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Error is the classified failure every adapter returns on a non-success.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (%s, status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the router may retry after this error.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindRateLimited || e.Kind == ErrorKindTransient
}

// ClassifyStatus maps an HTTP status code to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrorKindTransient
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return ErrorKindMalformed
	default:
		return ErrorKindUnknown
	}
}

// NewHTTPError builds a classified error from an HTTP status and body excerpt.
func NewHTTPError(provider string, status int, message string) *Error {
	return &Error{
		Provider:   provider,
		Kind:       ClassifyStatus(status),
		StatusCode: status,
		Message:    message,
	}
}

// WrapTransportError classifies a transport-level failure (timeout, refused
// connection, context deadline). Deadline and cancellation are transient from
// the router's point of view: the call may succeed on another credential.
func WrapTransportError(provider string, err error) *Error {
	kind := ErrorKindUnknown

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrorKindTransient
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrorKindTransient
	case errors.Is(err, context.Canceled):
		kind = ErrorKindTransient
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			kind = ErrorKindTransient
		}
	}

	return &Error{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
		Cause:    err,
	}
}

// KindOf returns the classification of err, or ErrorKindUnknown for errors
// that did not come from an adapter.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindUnknown
}

// RetryAfterOf returns the provider-suggested wait, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
