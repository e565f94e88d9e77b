// Package apperr defines the closed set of errors the admission pipeline can
// produce. Every failure surfaced to a caller is an *Error with one Kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindOrigin
	KindRateLimit
	KindQuota
	KindCache
	KindProvider
	KindTimeout
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:   "InternalError",
	KindValidation: "ValidationError",
	KindAuth:       "AuthError",
	KindOrigin:     "OriginError",
	KindRateLimit:  "RateLimitError",
	KindQuota:      "QuotaError",
	KindCache:      "CacheError",
	KindProvider:   "ProviderError",
	KindTimeout:    "TimeoutError",
	KindNotFound:   "NotFoundError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Auth reasons.
const (
	ReasonMissingKey  = "MissingKey"
	ReasonInvalidKey  = "InvalidKey"
	ReasonDeactivated = "Deactivated"
)

type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Field   string

	// RetryAfter is set for KindRateLimit.
	RetryAfter time.Duration

	// ProviderStatus and ProviderBody carry the upstream response for
	// KindProvider. They are diagnostics only and never shown unless the
	// debug flag is on.
	ProviderStatus int
	ProviderBody   string

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func Auth(reason string) *Error {
	msg := "invalid API key"
	switch reason {
	case ReasonMissingKey:
		msg = "API key required"
	case ReasonDeactivated:
		msg = "client deactivated"
	}
	return &Error{Kind: KindAuth, Reason: reason, Message: msg}
}

func Origin(origin string) *Error {
	return &Error{Kind: KindOrigin, Field: "origin", Message: fmt.Sprintf("origin %q not allowed", origin)}
}

func RateLimited(retryAfter time.Duration) *Error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &Error{
		Kind:       KindRateLimit,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("rate limit reached, retry in %ds", RetryAfterSeconds(retryAfter)),
	}
}

func Quota(limit int) *Error {
	return &Error{Kind: KindQuota, Message: fmt.Sprintf("generation limit of %d reached", limit)}
}

func Cache(err error) *Error {
	return &Error{Kind: KindCache, Message: "cache unavailable", Err: err}
}

func Provider(status int, body string, err error) *Error {
	return &Error{Kind: KindProvider, Message: "image generation failed", ProviderStatus: status, ProviderBody: body, Err: err}
}

func Timeout(after time.Duration, err error) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("provider timed out after %s", after), Err: err}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsProvider reports provider failures, timeouts included.
func IsProvider(err error) bool {
	k := KindOf(err)
	return err != nil && (k == KindProvider || k == KindTimeout)
}

// Retryable reports whether a queued job may be attempted again.
func Retryable(err error) bool {
	return IsProvider(err)
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindOrigin, KindQuota:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds rounds up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
