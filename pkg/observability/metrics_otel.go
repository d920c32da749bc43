package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry instruments for the domain counters.
// A nil *OTelMetrics records nothing.
type OTelMetrics struct {
	decisions             metric.Int64Counter
	invitationTransitions metric.Int64Counter
	operationDuration     metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates instruments on provider
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter(instrumentationName)

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"backoffice.authz.decisions",
		metric.WithDescription("Authorization decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.invitationTransitions, err = meter.Int64Counter(
		"backoffice.invitation.transitions",
		metric.WithDescription("Invitation status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invitation transitions counter: %w", err)
	}

	m.operationDuration, err = meter.Float64Histogram(
		"backoffice.operation.duration",
		metric.WithDescription("Service operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordDecision(ctx context.Context, resource, action string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("action", action),
		attribute.Bool("allowed", allowed),
	))
}

func (m *OTelMetrics) recordInvitationTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.invitationTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *OTelMetrics) recordOperation(ctx context.Context, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.operationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", statusLabel(err)),
	))
}
