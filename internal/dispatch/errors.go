package dispatch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rapigate/rapigate/internal/admission"
)

// Kind classifies a dispatch failure.
type Kind string

// Failure kinds. The first three end the request before the command runs.
const (
	KindMissingKey  Kind = "missing_key"
	KindInvalidKey  Kind = "invalid_key"
	KindRateLimited Kind = "rate_limited"
	KindHandler     Kind = "handler_error"
	KindInternal    Kind = "internal"
)

// RateLimit is the body attached to 429 responses.
type RateLimit struct {
	Limit      int                  `json:"limit"`
	Remaining  int                  `json:"remaining"`
	ResetAt    time.Time            `json:"reset_at"`
	RetryAfter admission.RetryAfter `json:"retry_after"`
}

// Error is a dispatch failure with the HTTP status it maps to.
type Error struct {
	Kind      Kind
	Status    int
	Message   string
	RateLimit *RateLimit
	Err       error

	retryIn time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errMissingKey() *Error {
	return &Error{
		Kind:    KindMissingKey,
		Status:  http.StatusUnauthorized,
		Message: "API key is required. Pass it as ?apikey=your-key",
	}
}

func errInvalidKey() *Error {
	return &Error{
		Kind:    KindInvalidKey,
		Status:  http.StatusForbidden,
		Message: "Invalid API key",
	}
}

func errRateLimited(d admission.Decision, now time.Time) *Error {
	var wait time.Duration
	if d.RemainingCooldown != nil {
		wait = *d.RemainingCooldown
	}
	retry := admission.SplitRemaining(wait)

	msg := fmt.Sprintf("Daily limit of %d calls reached. Try again in %s.", d.Limit, retry)
	if d.Outcome == admission.OutcomeQuotaHeld {
		msg = fmt.Sprintf("Daily limit of %d calls is in use by running requests. Try again shortly.", d.Limit)
	}

	return &Error{
		Kind:    KindRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: msg,
		RateLimit: &RateLimit{
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			ResetAt:    now.Add(d.RetryIn).UTC(),
			RetryAfter: retry,
		},
		retryIn: d.RetryIn,
	}
}

func errHandler(err error) *Error {
	msg := err.Error()
	if msg == "" {
		msg = "Internal server error"
	}
	return &Error{
		Kind:    KindHandler,
		Status:  http.StatusInternalServerError,
		Message: msg,
		Err:     err,
	}
}

func errInternal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: "Internal server error",
		Err:     err,
	}
}
