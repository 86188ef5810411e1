// Package services defines the business logic for clients, waybills, SMS
// notification logs and back-office users. This file centralizes the
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer with errors.Is / errors.As.
package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tbourn/go-waybill-backend/internal/sms"
)

var (
	// ErrValidation marks missing or malformed input the caller can correct.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a uniqueness rule would be violated, such as
	// registering a second client with the same phone.
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates that a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when a per-user quota is exhausted. The
	// concrete error is a *RateLimitError carrying the retry delay.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstreamUnavailable is surfaced only by operations whose sole purpose
	// is talking to the SMS provider (delivery checks). Lifecycle operations
	// record provider failures in the SMS log instead.
	ErrUpstreamUnavailable = sms.ErrUpstreamUnavailable

	// ErrNumberGenerationExhausted is returned when no free waybill number was
	// found within the retry budget.
	ErrNumberGenerationExhausted = errors.New("could not generate a unique waybill number")

	// ErrForbidden is returned when the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidCredentials is returned for unknown users, wrong passwords and
	// inactive accounts alike.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrAccountLocked is returned while a lockout is in effect.
	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrSelfDelete prevents an admin from removing their own account.
	ErrSelfDelete = errors.New("cannot delete your own account")
)

// ValidationError lists field-level problems. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return strings.Join(parts, "; ")
}

// Unwrap lets errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// RateLimitError reports which quota was hit and when to retry.
type RateLimitError struct {
	Action     string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: at most %d %s actions per %s", ErrRateLimited, e.Limit, e.Action, e.Window)
}

// Unwrap lets errors.Is(err, ErrRateLimited) succeed.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
