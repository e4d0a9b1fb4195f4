package lease

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the lease tracker.
type Metrics struct {
	Issued             prometheus.Counter
	IssueFailures      prometheus.Counter
	Extensions         prometheus.Counter
	Revocations        prometheus.Counter
	RevocationFailures prometheus.Counter
	Generation         prometheus.Gauge
	ExpiryTimestamp    prometheus.Gauge
	IssueDuration      prometheus.Histogram
}

// NewMetrics creates and registers lease metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "issued_total",
			Help:      "Total credential leases successfully issued by the broker.",
		}),
		IssueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "issue_failures_total",
			Help:      "Total failed issuance attempts (transient and non-retriable).",
		}),
		Extensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "extensions_total",
			Help:      "Total in-place lease extensions (broker renew without reissue).",
		}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "revocations_total",
			Help:      "Total broker-side lease revocations attempted.",
		}),
		RevocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "revocation_failures_total",
			Help:      "Total remote revocations that failed; local state was still cleared.",
		}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "generation",
			Help:      "Monotonic lease generation counter.",
		}),
		ExpiryTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "expiry_timestamp_seconds",
			Help:      "Unix timestamp at which the current lease expires. 0 = no lease.",
		}),
		IssueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hazina",
			Subsystem: "lease",
			Name:      "issue_duration_seconds",
			Help:      "Duration of broker issuance calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Issued,
		m.IssueFailures,
		m.Extensions,
		m.Revocations,
		m.RevocationFailures,
		m.Generation,
		m.ExpiryTimestamp,
		m.IssueDuration,
	)
	return m
}
