package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/llm"
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindService           ErrorKind = "service"
)

var ErrNoCredential = errors.New("no usable credential")

// Error is the classified form of any backend failure.
type Error struct {
	Kind       ErrorKind
	Backend    string
	StatusCode int
	RetryAfter time.Duration
	Retryable  bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// poolText is what the credential pool sees. It carries the status code so
// the pool's own classification agrees with ours.
func (e *Error) poolText() string {
	switch e.Kind {
	case KindRateLimited:
		return "429 rate limited: " + e.Message
	case KindInvalidCredential:
		return "401 unauthorized: " + e.Message
	default:
		return e.Message
	}
}

// StatusError is returned by the REST backends for non-2xx responses.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

var transientHints = []string{
	"overloaded",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"unavailable",
	"temporarily",
	"try again",
	"internal error",
	"bad gateway",
}

// Classify turns any error from a Backend into an *Error.
func Classify(backend string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Backend == "" {
			perr.Backend = backend
		}
		return perr
	}

	out := &Error{Backend: backend, Err: err, Message: err.Error()}

	var apiErr *llm.APIError
	var statusErr *StatusError
	switch {
	case errors.As(err, &apiErr):
		out.StatusCode = apiErr.StatusCode
		out.RetryAfter = apiErr.RetryAfter
	case errors.As(err, &statusErr):
		out.StatusCode = statusErr.StatusCode
		out.RetryAfter = statusErr.RetryAfter
	}

	msg := strings.ToLower(out.Message)
	switch {
	case out.StatusCode == http.StatusTooManyRequests:
		out.Kind, out.Retryable = KindRateLimited, true
	case out.StatusCode == http.StatusUnauthorized || out.StatusCode == http.StatusForbidden:
		out.Kind = KindInvalidCredential
	case out.StatusCode >= 500:
		out.Kind, out.Retryable = KindService, true
	default:
		switch credential.ClassifyFailure(msg) {
		case credential.FailureRateLimit:
			out.Kind, out.Retryable = KindRateLimited, true
		case credential.FailureAuth:
			out.Kind = KindInvalidCredential
		default:
			out.Kind = KindService
			out.Retryable = isTransient(err, msg)
		}
	}
	return out
}

func isTransient(err error, msg string) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
