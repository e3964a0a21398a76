package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the "protocol warnings" and scheduler/membership
// quantities of spec §7 and §4.4 as Prometheus instruments. It has no
// behavioral effect on the session core; a nil *Metrics field on any
// component simply disables telemetry.
type Metrics struct {
	ProbationReset prometheus.Counter
	BadSeqMismatch prometheus.Counter
	Members        prometheus.Gauge
	Senders        prometheus.Gauge
	Interval       prometheus.Histogram
	ReportsSent    *prometheus.CounterVec
}

// NewMetrics registers a fresh set of instruments under the given
// registerer, namespaced "rtcp". Pass prometheus.DefaultRegisterer to
// export through the standard /metrics endpoint, or a private
// *prometheus.Registry in tests to avoid global registration
// collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProbationReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcp",
			Name:      "probation_resets_total",
			Help:      "Count of sources whose probation period restarted after an out-of-sequence packet.",
		}),
		BadSeqMismatch: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcp",
			Name:      "bad_seq_mismatches_total",
			Help:      "Count of packets that looked like a sequence restart but did not repeat.",
		}),
		Members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtcp",
			Name:      "members",
			Help:      "Current estimate of session membership.",
		}),
		Senders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtcp",
			Name:      "senders",
			Help:      "Current estimate of active senders in the session.",
		}),
		Interval: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rtcp",
			Name:      "interval_seconds",
			Help:      "Computed RTCP transmission interval per rtcp_interval().",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		ReportsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcp",
			Name:      "reports_sent_total",
			Help:      "RTCP compound packets transmitted, by event kind.",
		}, []string{"event"}),
	}
}
