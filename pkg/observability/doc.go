// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health checks.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithOrganization(orgID).Info("member removed")
//
// FromContext returns the request-scoped logger with request id, user id and
// trace ids attached.
//
// # Metrics
//
// NewMetrics registers the backoffice_* collectors on a registry. A nil
// *Metrics is valid, so packages can record unconditionally:
//
//	metrics.RecordDecision(ctx, "organization:member", "delete", false, "role insufficient")
//
// WithOTel mirrors the domain counters to OpenTelemetry instruments.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC exporters. StartSpan and EndSpan wrap service
// operations; with tracing disabled they are no-ops.
package observability
