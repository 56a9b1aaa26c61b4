package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the OAuth server.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	TokensIssuedTotal       metric.Int64Counter
	GrantFailuresTotal      metric.Int64Counter
	DeviceChallengesCreated metric.Int64Counter
	DevicePollsTotal        metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.TokensIssuedTotal, err = meter.Int64Counter(
		"oauth.tokens.issued.total",
		metric.WithDescription("Access/refresh token pairs issued"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued.total counter: %w", err)
	}

	m.GrantFailuresTotal, err = meter.Int64Counter(
		"oauth.grant.failures.total",
		metric.WithDescription("Token grant failures by grant type and error code"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.failures.total counter: %w", err)
	}

	m.DeviceChallengesCreated, err = meter.Int64Counter(
		"oauth.device.challenges.created",
		metric.WithDescription("Device authorization challenges created"),
		metric.WithUnit("{challenge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device.challenges.created counter: %w", err)
	}

	m.DevicePollsTotal, err = meter.Int64Counter(
		"oauth.device.polls.total",
		metric.WithDescription("Device token endpoint polls"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device.polls.total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.endpoint", endpoint),
		attribute.Int("http.status_code", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// TokensIssued records a token pair issuance for a client.
func (m *Metrics) TokensIssued(ctx context.Context, clientID string) {
	m.TokensIssuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_id", clientID),
	))
}

// GrantFailed records a failed grant with its protocol error code.
func (m *Metrics) GrantFailed(ctx context.Context, grantType, errorCode string) {
	m.GrantFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.grant_type", grantType),
		attribute.String("oauth.error", errorCode),
	))
}

// DeviceChallengeCreated records the start of a device flow.
func (m *Metrics) DeviceChallengeCreated(ctx context.Context, clientID string) {
	m.DeviceChallengesCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_id", clientID),
	))
}

// DevicePoll records one device token poll.
func (m *Metrics) DevicePoll(ctx context.Context, clientID string) {
	m.DevicePollsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_id", clientID),
	))
}
