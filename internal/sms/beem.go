package sms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBeemSendURL is the Beem Africa send endpoint.
	DefaultBeemSendURL = "https://apisms.beem.africa/v1/send"
	// DefaultBeemDeliveryURL is the Beem Africa delivery report endpoint.
	DefaultBeemDeliveryURL = "https://apisms.beem.africa/public/v1/delivery-reports"

	maxResponseBytes = 1 << 20
)

// BeemConfig holds credentials and endpoints for BeemClient.
type BeemConfig struct {
	APIKey      string
	SecretKey   string
	SenderID    string
	SendURL     string
	DeliveryURL string
	SendTimeout time.Duration // defaults to 15s
	PollTimeout time.Duration // defaults to 10s
}

// BeemClient talks to the Beem Africa SMS API.
type BeemClient struct {
	cfg  BeemConfig
	http *http.Client
}

// NewBeemClient returns a client using hc, or http.DefaultClient when nil.
// Timeouts are applied per request from cfg.
func NewBeemClient(cfg BeemConfig, hc *http.Client) *BeemClient {
	if cfg.SendURL == "" {
		cfg.SendURL = DefaultBeemSendURL
	}
	if cfg.DeliveryURL == "" {
		cfg.DeliveryURL = DefaultBeemDeliveryURL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &BeemClient{cfg: cfg, http: hc}
}

type beemRecipient struct {
	RecipientID string `json:"recipient_id"`
	DestAddr    string `json:"dest_addr"`
}

type beemSendRequest struct {
	SourceAddr   string          `json:"source_addr"`
	Encoding     int             `json:"encoding"`
	ScheduleTime string          `json:"schedule_time"`
	Message      string          `json:"message"`
	Recipients   []beemRecipient `json:"recipients"`
}

type beemSendResponse struct {
	Success    *bool           `json:"success"`
	Successful *bool           `json:"successful"`
	RequestID  json.RawMessage `json:"request_id"`
	Message    string          `json:"message"`
	Data       struct {
		MessageID json.RawMessage `json:"message_id"`
	} `json:"data"`
}

type beemDeliveryResponse struct {
	Status          string `json:"status"`
	DeliveryReports []struct {
		Status string `json:"status"`
	} `json:"delivery_reports"`
}

// Send implements Gateway.
func (c *BeemClient) Send(ctx context.Context, phone, text string) Result {
	body, err := json.Marshal(beemSendRequest{
		SourceAddr:   c.cfg.SenderID,
		Encoding:     0,
		ScheduleTime: "",
		Message:      text,
		Recipients:   []beemRecipient{{RecipientID: "1", DestAddr: phone}},
	})
	if err != nil {
		return Result{Reason: "encode request: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SendURL, bytes.NewReader(body))
	if err != nil {
		return Result{Reason: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Reason: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Reason: "read response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Reason: fmt.Sprintf("provider returned HTTP %d", resp.StatusCode)}
	}

	var out beemSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{Reason: "unexpected response"}
	}
	ok := (out.Success != nil && *out.Success) || (out.Successful != nil && *out.Successful)
	if !ok {
		reason := "provider rejected message"
		if m := strings.TrimSpace(out.Message); m != "" {
			reason += ": " + m
		}
		return Result{Reason: reason}
	}

	id := rawID(out.Data.MessageID)
	if id == "" {
		id = rawID(out.RequestID)
	}
	return Result{Accepted: true, MessageID: id}
}

// PollStatus implements Gateway.
func (c *BeemClient) PollStatus(ctx context.Context, messageID string) (string, error) {
	if strings.TrimSpace(messageID) == "" {
		return "", fmt.Errorf("%w: empty message id", ErrUpstreamUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.DeliveryURL)
	if err != nil {
		return "", wrapUpstream(err)
	}
	q := u.Query()
	q.Set("request_id", messageID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", wrapUpstream(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", wrapUpstream(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", wrapUpstream(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out beemDeliveryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: unexpected response", ErrUpstreamUnavailable)
	}
	status := out.Status
	if status == "" && len(out.DeliveryReports) > 0 {
		status = out.DeliveryReports[0].Status
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = "unknown"
	}
	return status, nil
}

func (c *BeemClient) authHeader() string {
	cred := c.cfg.APIKey + ":" + c.cfg.SecretKey
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
}

// rawID renders a JSON string or number as a plain string.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}
	return s
}
