package sms

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_gateway_requests_total",
			Help: "SMS provider calls by provider, operation and outcome.",
		},
		[]string{"provider", "op", "outcome"},
	)

	gatewayLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_gateway_request_duration_seconds",
			Help:    "Latency of SMS provider calls in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"provider", "op"},
	)
)

func init() {
	prometheus.MustRegister(gatewayReqs, gatewayLat)
}

// Instrument wraps gw so every call is counted and timed under provider.
func Instrument(gw Gateway, provider string) Gateway {
	return &instrumented{next: gw, provider: provider}
}

type instrumented struct {
	next     Gateway
	provider string
}

func (g *instrumented) Send(ctx context.Context, phone, text string) Result {
	start := time.Now()
	res := g.next.Send(ctx, phone, text)
	gatewayLat.WithLabelValues(g.provider, "send").Observe(time.Since(start).Seconds())

	outcome := "accepted"
	if !res.Accepted {
		outcome = "rejected"
	}
	gatewayReqs.WithLabelValues(g.provider, "send", outcome).Inc()
	return res
}

func (g *instrumented) PollStatus(ctx context.Context, messageID string) (string, error) {
	start := time.Now()
	st, err := g.next.PollStatus(ctx, messageID)
	gatewayLat.WithLabelValues(g.provider, "poll").Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		outcome = "unavailable"
	case err != nil:
		outcome = "error"
	}
	gatewayReqs.WithLabelValues(g.provider, "poll", outcome).Inc()
	return st, err
}
