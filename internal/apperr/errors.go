// Package apperr defines the error taxonomy shared by the HTTP layer,
// the experiment engine, and the firewall pipeline. Handlers map Kind to
// an HTTP status with Status(); internal code wraps causes with E().
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and metrics.
type Kind int

const (
	// Internal is the fallback for unclassified failures.
	Internal Kind = iota
	// InvalidInput marks malformed or semantically invalid requests.
	InvalidInput
	// AuthRequired marks requests missing credentials entirely.
	AuthRequired
	// AuthInvalid marks requests with credentials that do not verify.
	AuthInvalid
	// Forbidden marks authenticated requests lacking access rights.
	Forbidden
	// NotFound marks lookups of absent entities.
	NotFound
	// Conflict marks state transitions the current state disallows.
	Conflict
	// RateLimited marks requests rejected by our own rate limiter.
	RateLimited
	// RateLimitExceeded marks upstream LLM rate limits that survived retries.
	RateLimitExceeded
	// UpstreamFailed marks LLM or target endpoints that could not serve.
	UpstreamFailed
	// BadCiphertext marks vault payloads that fail to decrypt.
	BadCiphertext
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case AuthRequired:
		return "auth_required"
	case AuthInvalid:
		return "auth_invalid"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case UpstreamFailed:
		return "upstream_failed"
	case BadCiphertext:
		return "bad_ciphertext"
	default:
		return "internal"
	}
}

// Error carries a kind, a user-safe message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. cause may be nil.
func E(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Status maps an error to its HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case AuthRequired, AuthInvalid:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited, RateLimitExceeded:
		return http.StatusTooManyRequests
	case UpstreamFailed:
		return http.StatusBadGateway
	case BadCiphertext:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-safe message for err; generic for internal errors.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != Internal {
		return ae.Message
	}
	return "internal server error"
}
