// Package errs defines the error taxonomy surfaced to callers of proxywhirl,
// per the kinds enumerated in the design spec. Kinds are sentinel errors
// wrapped with context via fmt.Errorf("...: %w", ...) so callers can match
// with errors.Is / errors.As without depending on string matching.
package errs

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Kind identifies one of the error taxonomy members.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindPoolEmpty       Kind = "pool_empty"
	KindNoEligibleProxy Kind = "no_eligible_proxy"
	KindAllBreakersOpen Kind = "all_breakers_open"
	KindAuthFailure     Kind = "auth_failure"
	KindConnection      Kind = "connection_error"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindAllAttemptsFailed Kind = "all_attempts_failed"
	KindRateLimited     Kind = "rate_limited"
	KindCancelled       Kind = "cancelled"
	KindClosed          Kind = "closed"
	KindCacheDegraded   Kind = "cache_degraded"
)

// Sentinel values for errors.Is matching against a Kind regardless of the
// wrapped message. Error returns the Kind's string value.
var (
	ErrValidation        = sentinel(KindValidation)
	ErrPoolEmpty         = sentinel(KindPoolEmpty)
	ErrNoEligibleProxy   = sentinel(KindNoEligibleProxy)
	ErrAllBreakersOpen   = sentinel(KindAllBreakersOpen)
	ErrAuthFailure       = sentinel(KindAuthFailure)
	ErrConnection        = sentinel(KindConnection)
	ErrUpstreamTimeout   = sentinel(KindUpstreamTimeout)
	ErrUpstreamTransient = sentinel(KindUpstreamTransient)
	ErrUpstreamPermanent = sentinel(KindUpstreamPermanent)
	ErrDeadlineExceeded  = sentinel(KindDeadlineExceeded)
	ErrAllAttemptsFailed = sentinel(KindAllAttemptsFailed)
	ErrRateLimited       = sentinel(KindRateLimited)
	ErrCancelled         = sentinel(KindCancelled)
	ErrClosed            = sentinel(KindClosed)
	ErrCacheDegraded     = sentinel(KindCacheDegraded)
)

type sentinelError struct{ kind Kind }

func sentinel(k Kind) error { return &sentinelError{kind: k} }

func (e *sentinelError) Error() string { return string(e.kind) }

// Error wraps a Kind with caller-facing context: the last proxy id attempted
// (if any), attempt count, and a redacted proxy URL. Credentials are never
// included.
type Error struct {
	Kind        Kind
	Message     string
	ProxyID     string // empty if no proxy was attempted
	RedactedURL string // scheme://host:port, credentials stripped
	Attempts    int
	Cause       error
	RetryAfter  time.Duration // only meaningful for KindRateLimited
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ProxyID != "" {
		msg += fmt.Sprintf(" (proxy=%s url=%s attempts=%d)", e.ProxyID, e.RedactedURL, e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindPoolEmpty:
		return ErrPoolEmpty
	case KindNoEligibleProxy:
		return ErrNoEligibleProxy
	case KindAllBreakersOpen:
		return ErrAllBreakersOpen
	case KindAuthFailure:
		return ErrAuthFailure
	case KindConnection:
		return ErrConnection
	case KindUpstreamTimeout:
		return ErrUpstreamTimeout
	case KindUpstreamTransient:
		return ErrUpstreamTransient
	case KindUpstreamPermanent:
		return ErrUpstreamPermanent
	case KindDeadlineExceeded:
		return ErrDeadlineExceeded
	case KindAllAttemptsFailed:
		return ErrAllAttemptsFailed
	case KindRateLimited:
		return ErrRateLimited
	case KindCancelled:
		return ErrCancelled
	case KindClosed:
		return ErrClosed
	case KindCacheDegraded:
		return ErrCacheDegraded
	}
	return nil
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithProxy attaches proxy/attempt context to an *Error (returns e for chaining).
func (e *Error) WithProxy(id string, rawURL string, attempts int) *Error {
	e.ProxyID = id
	e.RedactedURL = Redact(rawURL)
	e.Attempts = attempts
	return e
}

// Redact strips userinfo from a proxy URL string, keeping scheme://host:port.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	return u.String()
}

// Is reports whether err's Kind matches k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	switch k {
	case KindValidation:
		return errors.Is(err, ErrValidation)
	case KindPoolEmpty:
		return errors.Is(err, ErrPoolEmpty)
	case KindNoEligibleProxy:
		return errors.Is(err, ErrNoEligibleProxy)
	case KindAllBreakersOpen:
		return errors.Is(err, ErrAllBreakersOpen)
	case KindAuthFailure:
		return errors.Is(err, ErrAuthFailure)
	case KindConnection:
		return errors.Is(err, ErrConnection)
	case KindUpstreamTimeout:
		return errors.Is(err, ErrUpstreamTimeout)
	case KindUpstreamTransient:
		return errors.Is(err, ErrUpstreamTransient)
	case KindUpstreamPermanent:
		return errors.Is(err, ErrUpstreamPermanent)
	case KindDeadlineExceeded:
		return errors.Is(err, ErrDeadlineExceeded)
	case KindAllAttemptsFailed:
		return errors.Is(err, ErrAllAttemptsFailed)
	case KindRateLimited:
		return errors.Is(err, ErrRateLimited)
	case KindCancelled:
		return errors.Is(err, ErrCancelled)
	case KindClosed:
		return errors.Is(err, ErrClosed)
	case KindCacheDegraded:
		return errors.Is(err, ErrCacheDegraded)
	}
	return false
}

// Retryable reports whether a Kind is considered retryable by the retry
// executor's outcome classification (§4.4e).
func Retryable(k Kind) bool {
	switch k {
	case KindConnection, KindUpstreamTimeout, KindUpstreamTransient:
		return true
	default:
		return false
	}
}
