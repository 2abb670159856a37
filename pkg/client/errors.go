package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = errors.New("client is closed")

	// ErrContextCancelled is returned when the context is cancelled during
	// a retry backoff wait.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrPoolTimeout is returned when a request could not acquire a
	// connection slot within the configured pool timeout.
	ErrPoolTimeout = errors.New("connection pool acquisition timed out")
)

// ErrorClass categorizes a failed request by cause. The class drives retry
// behavior: some classes are retryable, some surface immediately.
type ErrorClass string

const (
	// ClassAuthentication is a 401 response or a failed login exchange.
	ClassAuthentication ErrorClass = "authentication"

	// ClassPermission is a 403 response.
	ClassPermission ErrorClass = "permission"

	// ClassNotFound is a 404 response.
	ClassNotFound ErrorClass = "not_found"

	// ClassValidation is a 422 response.
	ClassValidation ErrorClass = "validation"

	// ClassConflict is a 409 response.
	ClassConflict ErrorClass = "conflict"

	// ClassServer is any 5xx response not covered by a narrower class.
	ClassServer ErrorClass = "server"

	// ClassUnavailable is a 502 or 503 response.
	ClassUnavailable ErrorClass = "unavailable"

	// ClassGatewayTimeout is a 504 response.
	ClassGatewayTimeout ErrorClass = "gateway_timeout"

	// ClassConnection is a transport-level failure (dial, DNS, timeout).
	ClassConnection ErrorClass = "connection"

	// ClassProtocol is a malformed response at the HTTP framing level.
	ClassProtocol ErrorClass = "protocol"

	// ClassClientClosed is any operation attempted after Close.
	ClassClientClosed ErrorClass = "client_closed"
)

// Retryable reports whether errors of this class may be retried under a
// configured policy. Validation, conflict, not-found and authentication
// errors always surface immediately; authentication mid-session is handled
// by the executor's single refresh-and-resubmit cycle instead.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassPermission, ClassServer, ClassUnavailable, ClassGatewayTimeout,
		ClassConnection, ClassProtocol:
		return true
	default:
		return false
	}
}

// maxErrorBodyLen bounds the response detail kept on an Error.
const maxErrorBodyLen = 500

// Error is a classified request failure. It retains the triggering request
// context and, when available, the remote response body.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Class      ErrorClass
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "folio %s error", e.Class)
	if e.Method != "" {
		fmt.Fprintf(&b, ": %s %s", e.Method, e.Path)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf extracts the error class from any error returned by this package.
// Unclassified errors report an empty class.
func ClassOf(err error) ErrorClass {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, ErrClientClosed) {
		return ClassClientClosed
	}
	return ""
}

// metricLabel returns the class label recorded on error metrics. Errors
// from outside this package carry no class; they are named explicitly so
// the label stays queryable.
func metricLabel(err error) string {
	if class := ClassOf(err); class != "" {
		return string(class)
	}
	return "unclassified"
}

// classifyStatus maps a non-success HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch status {
	case http.StatusUnauthorized:
		return ClassAuthentication
	case http.StatusForbidden:
		return ClassPermission
	case http.StatusNotFound:
		return ClassNotFound
	case http.StatusConflict:
		return ClassConflict
	case http.StatusUnprocessableEntity:
		return ClassValidation
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ClassUnavailable
	case http.StatusGatewayTimeout:
		return ClassGatewayTimeout
	}
	if status >= 500 {
		return ClassServer
	}
	// Remaining 4xx have no retry semantics of their own; treat like
	// validation failures so they surface immediately.
	return ClassValidation
}

// classifyTransport maps a transport-level error to connection or protocol.
func classifyTransport(err error) ErrorClass {
	if isProtocolError(err) {
		return ClassProtocol
	}
	return ClassConnection
}

// isProtocolError reports whether err indicates malformed response framing
// rather than a connectivity failure.
func isProtocolError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) {
			return false
		}
		msg := urlErr.Err.Error()
		return strings.Contains(msg, "malformed") ||
			strings.Contains(msg, "bad Content-Length") ||
			strings.Contains(msg, "unexpected EOF")
	}
	return false
}

// statusError builds a classified Error from a non-success response.
// The body is truncated so surfaced errors stay readable.
func statusError(method, path string, status int, body []byte) *Error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBodyLen {
		detail = detail[:maxErrorBodyLen] + "..."
	}
	return &Error{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Class:      classifyStatus(status),
		Body:       detail,
	}
}

// transportError builds a classified Error from a transport failure.
func transportError(method, path string, err error) *Error {
	return &Error{
		Method: method,
		Path:   path,
		Class:  classifyTransport(err),
		Err:    err,
	}
}
