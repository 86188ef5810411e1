// Package sms is the outbound SMS gateway client. Callers get a uniform
// Result for every send attempt: any transport error, non-success HTTP
// status or unexpected payload is folded into a rejected Result with a short
// reason, so business operations never have to handle provider exceptions.
//
// Providers:
//   - BeemClient   (Beem Africa REST API, the default)
//   - TwilioClient (Twilio Programmable Messaging)
//   - Disabled     (rejects every send; for environments without credentials)
package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// ErrUpstreamUnavailable is returned by PollStatus when the provider cannot
// be reached or answers with something unusable.
var ErrUpstreamUnavailable = errors.New("sms provider unavailable")

// Result is the outcome of one send attempt.
type Result struct {
	Accepted  bool
	MessageID string
	// Reason explains a rejection; empty when Accepted.
	Reason string
}

// Gateway sends messages and polls their delivery state.
type Gateway interface {
	// Send submits text to the canonical phone number. It never returns an
	// error: failures are reported as a rejected Result.
	Send(ctx context.Context, phone, text string) Result
	// PollStatus returns the provider's raw delivery status for messageID,
	// lowercased.
	PollStatus(ctx context.Context, messageID string) (string, error)
}

// MapDeliveryStatus translates a provider delivery status into the SMS log
// vocabulary. ok is false for values that carry no final outcome (queued,
// pending, unknown, ...), in which case the stored status must not change.
func MapDeliveryStatus(raw string) (status domain.SmsStatus, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered", "successful", "sent":
		return domain.SmsSent, true
	case "failed", "rejected", "aborted", "undelivered":
		return domain.SmsFailed, true
	}
	return "", false
}

// Disabled is a Gateway that rejects every message.
type Disabled struct{}

// Send implements Gateway.
func (Disabled) Send(context.Context, string, string) Result {
	return Result{Reason: "sms disabled"}
}

// PollStatus implements Gateway.
func (Disabled) PollStatus(context.Context, string) (string, error) {
	return "", ErrUpstreamUnavailable
}

func wrapUpstream(err error) error {
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
