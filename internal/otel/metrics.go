package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the realtime and HTTP clients.
// All recording methods accept a nil receiver.
type Metrics struct {
	EnvelopesApplied  metric.Int64Counter
	EnvelopesRejected metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	RequestErrors     metric.Int64Counter
	ReconnectAttempts metric.Int64Counter
	SendFallbacks     metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EnvelopesApplied, err = meter.Int64Counter("agentdeck.envelope.applied",
		metric.WithDescription("Realtime envelopes applied to session state"),
	); err != nil {
		return nil, err
	}
	if m.EnvelopesRejected, err = meter.Int64Counter("agentdeck.envelope.rejected",
		metric.WithDescription("Realtime envelopes that were malformed or of unknown type"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("agentdeck.request.duration",
		metric.WithDescription("Backend HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RequestErrors, err = meter.Int64Counter("agentdeck.request.errors",
		metric.WithDescription("Backend HTTP requests that failed or returned non-2xx"),
	); err != nil {
		return nil, err
	}
	if m.ReconnectAttempts, err = meter.Int64Counter("agentdeck.reconnect.attempts",
		metric.WithDescription("Realtime reconnect attempts"),
	); err != nil {
		return nil, err
	}
	if m.SendFallbacks, err = meter.Int64Counter("agentdeck.send.fallback",
		metric.WithDescription("Messages sent over HTTP because realtime was unavailable"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) EnvelopeApplied(ctx context.Context, envelopeType string) {
	if m == nil {
		return
	}
	m.EnvelopesApplied.Add(ctx, 1, metric.WithAttributes(AttrEnvelopeType.String(envelopeType)))
}

// EnvelopeRejected counts a rejected frame; reason is "malformed", "unknown"
// or "decode".
func (m *Metrics) EnvelopeRejected(ctx context.Context, envelopeType, reason string) {
	if m == nil {
		return
	}
	m.EnvelopesRejected.Add(ctx, 1, metric.WithAttributes(
		AttrEnvelopeType.String(envelopeType),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordRequest(ctx context.Context, method, route string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method), AttrHTTPRoute.String(route))
	m.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if failed {
		m.RequestErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) ReconnectAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1)
}

func (m *Metrics) SendFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SendFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
