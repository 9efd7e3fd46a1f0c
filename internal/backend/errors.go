package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies remote failures so callers can branch without
// matching message strings.
type Kind string

const (
	// KindConnectivity covers transport failures: timeouts, refused
	// connections, DNS errors, dropped streams.
	KindConnectivity Kind = "connectivity"
	// KindRateLimited is HTTP 429.
	KindRateLimited Kind = "rate_limited"
	// KindClient is any other 4xx; the request will not succeed by
	// repeating it.
	KindClient Kind = "client"
	// KindServer is 5xx.
	KindServer Kind = "server"
	// KindDecode is a malformed response body.
	KindDecode Kind = "decode"
)

// Error is the typed error returned for remote failures.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 for transport failures
	Op     string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: HTTP %d (%s): %v", e.Op, e.Status, e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d (%s)", e.Op, e.Status, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether a later attempt may succeed under p.
func (e *Error) retryable(p Policy) bool {
	switch e.Kind {
	case KindConnectivity, KindRateLimited:
		return true
	case KindServer:
		return p.RetryServerErrors
	}
	return false
}

// ErrorKind returns the taxonomy kind of err, or "" for foreign
// errors.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func connectivityErr(op string, err error) *Error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

func decodeErr(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// statusErr classifies an HTTP error status and keeps a snippet of the
// body, which usually carries the backend's detail message.
func statusErr(op string, status int, body []byte) *Error {
	kind := KindClient
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServer
	}
	e := &Error{Kind: kind, Status: status, Op: op}
	if msg := snippet(body); msg != "" {
		e.Err = errors.New(msg)
	}
	return e
}

const maxSnippet = 200

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxSnippet {
		s = s[:maxSnippet] + "..."
	}
	return s
}
