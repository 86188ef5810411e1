package sms

import (
	"context"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// twilioAPI is the subset of the Twilio REST service used here.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	FetchMessage(sid string, params *twilioApi.FetchMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioClient sends through Twilio Programmable Messaging.
type TwilioClient struct {
	api  twilioAPI
	from string
}

// NewTwilioClient builds a client for the given account credentials and
// sender number (E.164, with '+').
func NewTwilioClient(accountSID, authToken, from string) *TwilioClient {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioClient{api: rc.Api, from: from}
}

// Send implements Gateway. Canonical numbers are digits only; Twilio wants a
// leading '+'.
func (c *TwilioClient) Send(ctx context.Context, phone, text string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Reason: "request failed: " + err.Error()}
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + strings.TrimPrefix(phone, "+"))
	params.SetFrom(c.from)
	params.SetBody(text)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		return Result{Reason: "request failed: " + err.Error()}
	}
	if msg == nil || msg.Sid == nil || *msg.Sid == "" {
		return Result{Reason: "unexpected response"}
	}
	if msg.Status != nil {
		if st, ok := MapDeliveryStatus(*msg.Status); ok && st != domain.SmsSent {
			reason := "provider rejected message"
			if msg.ErrorMessage != nil && *msg.ErrorMessage != "" {
				reason += ": " + *msg.ErrorMessage
			}
			return Result{Reason: reason}
		}
	}
	return Result{Accepted: true, MessageID: *msg.Sid}
}

// PollStatus implements Gateway.
func (c *TwilioClient) PollStatus(ctx context.Context, messageID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := c.api.FetchMessage(messageID, &twilioApi.FetchMessageParams{})
	if err != nil {
		return "", wrapUpstream(err)
	}
	if msg == nil || msg.Status == nil {
		return "unknown", nil
	}
	return strings.ToLower(*msg.Status), nil
}
