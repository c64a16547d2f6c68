package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ConnectError is a network level failure reaching the backend. Retrying with
// another secret may succeed.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError is a rejected credential. Permanent means the secret itself is
// revoked and must be taken out of rotation.
type AuthError struct {
	Permanent  bool
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("upstream auth failed (%s, status %d): %s", kind, e.StatusCode, e.Detail)
}

// StatusError is any other non-success backend response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Detail)
}

// ProtocolError is an event stream that could not be understood.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream protocol: %s: %v", e.Detail, e.Err)
	}
	return "upstream protocol: " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "upstream " + e.Op + " timed out"
}

func (e *TimeoutError) Timeout() bool { return true }

// IsRetryable reports whether err may be fixed by rotating to another secret.
func IsRetryable(err error) bool {
	var connErr *ConnectError
	var authErr *AuthError
	var timeoutErr *TimeoutError
	return errors.As(err, &connErr) || errors.As(err, &authErr) || errors.As(err, &timeoutErr)
}

// IsPermanentAuth reports whether err proves the secret is revoked.
func IsPermanentAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Permanent
}

// ClassifyStatus maps a non-2xx backend response to the error taxonomy.
func ClassifyStatus(status int, body string) error {
	detail := strings.TrimSpace(body)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Permanent: true, StatusCode: status, Detail: detail}
	case status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return &AuthError{StatusCode: status, Detail: detail}
	case status >= 500:
		return &ConnectError{Op: "request", Err: &StatusError{StatusCode: status, Detail: detail}}
	default:
		return &StatusError{StatusCode: status, Detail: detail}
	}
}

// wrapTransport turns a client-side transport failure into the taxonomy.
func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op}
	}
	return &ConnectError{Op: op, Err: err}
}
