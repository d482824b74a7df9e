// Package proxyerr defines the proxy's structured error kinds, each mapped
// to an HTTP status code and an S3-shaped XML error body, following the
// category convention scttfrdmn-objectfs uses for its own error codes
// (consulted as a reference for shape only; not imported).
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error categories named in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindSignatureMismatch
	KindExpiredSignature
	KindUpstreamTimeout
	KindUpstreamUnreachable
	KindUpstreamError
	KindInternal
)

// Status returns the HTTP status code this error kind maps to.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindSignatureMismatch, KindExpiredSignature:
		return http.StatusForbidden
	case KindUpstreamTimeout, KindUpstreamUnreachable:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return 0 // passthrough: caller uses the upstream's own status
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the S3 error code string for this kind, used in the XML
// error body.
func (k Kind) Code() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindSignatureMismatch:
		return "SignatureDoesNotMatch"
	case KindExpiredSignature:
		return "RequestTimeTooSkewed"
	case KindUpstreamTimeout:
		return "RequestTimeout"
	case KindUpstreamUnreachable:
		return "ServiceUnavailable"
	case KindUpstreamError:
		return "UpstreamError"
	case KindInternal:
		return "InternalError"
	default:
		return "InternalError"
	}
}

// Error is a structured proxy error: a kind, a human message, an optional
// upstream status override (for KindUpstreamError passthrough), and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides Kind.Status() when non-zero; used for
	// KindUpstreamError passthrough of the upstream's own status code.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the effective HTTP status for e.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.Status()
}

// New constructs a proxy error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a proxy error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Upstream constructs a KindUpstreamError that passes an upstream's own
// status code straight through.
func Upstream(status int, message string) *Error {
	return &Error{Kind: KindUpstreamError, Message: message, Status: status}
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// XMLBody renders the canonical S3 error XML body for e, given a request ID
// and host ID for correlation.
func (e *Error) XMLBody(requestID, hostID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Error>
  <Code>%s</Code>
  <Message>%s</Message>
  <RequestId>%s</RequestId>
  <HostId>%s</HostId>
</Error>`, e.Kind.Code(), e.Message, requestID, hostID)
}
