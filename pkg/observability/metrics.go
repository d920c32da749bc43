package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec

	// Membership and invitation metrics
	InvitationTransitionsTotal *prometheus.CounterVec
	OrganizationCreationsTotal *prometheus.CounterVec
	MembershipChangesTotal     *prometheus.CounterVec
	ExpiredInvitationsSwept    prometheus.Counter
	OperationDuration          *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backoffice_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_authz_decisions_total",
				Help: "Authorization decisions by resource, action, outcome and reason",
			},
			[]string{"resource", "action", "allowed", "reason"},
		),

		InvitationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_invitation_transitions_total",
				Help: "Invitation status transitions",
			},
			[]string{"from", "to"},
		),
		OrganizationCreationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_organization_creations_total",
				Help: "Organization creation attempts by outcome",
			},
			[]string{"outcome"},
		),
		MembershipChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_membership_changes_total",
				Help: "Membership mutations by operation",
			},
			[]string{"operation"},
		),
		ExpiredInvitationsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "backoffice_invitations_swept_total",
				Help: "Pending invitations marked expired by the sweep",
			},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backoffice_operation_duration_seconds",
				Help:    "Service operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_notifications_total",
				Help: "Email dispatch attempts by purpose and status",
			},
			[]string{"purpose", "status"},
		),

		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backoffice_db_connections_open",
			Help: "Number of open database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backoffice_db_connections_in_use",
			Help: "Number of database connections in use",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backoffice_db_connections_idle",
			Help: "Number of idle database connections",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.InvitationTransitionsTotal,
		m.OrganizationCreationsTotal,
		m.MembershipChangesTotal,
		m.ExpiredInvitationsSwept,
		m.OperationDuration,
		m.NotificationsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
	)

	return m
}

// WithOTel mirrors the domain counters to OpenTelemetry instruments
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	if m != nil {
		m.otel = o
	}
	return m
}

// RecordDecision counts one authorization decision
func (m *Metrics) RecordDecision(ctx context.Context, resource, action string, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(resource, action, strconv.FormatBool(allowed), reason).Inc()
	m.otel.recordDecision(ctx, resource, action, allowed)
}

// RecordInvitationTransition counts an invitation moving between statuses.
// from is empty for newly created invitations.
func (m *Metrics) RecordInvitationTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.InvitationTransitionsTotal.WithLabelValues(from, to).Inc()
	m.otel.recordInvitationTransition(ctx, from, to)
}

// RecordOrganizationCreation counts an organization creation outcome
func (m *Metrics) RecordOrganizationCreation(outcome string) {
	if m == nil {
		return
	}
	m.OrganizationCreationsTotal.WithLabelValues(outcome).Inc()
}

// RecordMembershipChange counts a membership mutation
func (m *Metrics) RecordMembershipChange(operation string) {
	if m == nil {
		return
	}
	m.MembershipChangesTotal.WithLabelValues(operation).Inc()
}

// RecordSweep counts invitations expired by the sweep
func (m *Metrics) RecordSweep(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredInvitationsSwept.Add(float64(n))
}

// RecordNotification counts an email dispatch attempt
func (m *Metrics) RecordNotification(purpose string, err error) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(purpose, statusLabel(err)).Inc()
}

// ObserveOperation records how long a service operation took
func (m *Metrics) ObserveOperation(ctx context.Context, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	elapsed := time.Since(start)
	m.OperationDuration.WithLabelValues(operation, statusLabel(err)).Observe(elapsed.Seconds())
	m.otel.recordOperation(ctx, operation, elapsed, err)
}

// UpdateDBStats publishes connection pool statistics
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Requests are labelled by
// their mux route template to keep label cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
