// Package telemetry provides the observability primitives of the join proxy.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	Joins            prometheus.Counter
	FollowerTimeouts prometheus.Counter
	FetchErrors      prometheus.Counter
	StoreErrors      prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"mode", "outcome"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "joinproxy",
			Name:      "active_requests",
			Help:      "Number of requests currently being served.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "joinproxy",
			Name:                            "upstream_duration_seconds",
			Help:                            "Origin call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"status"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "upstream_errors_total",
			Help:      "Total failed origin calls.",
		}, []string{"reason"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "cache_hits_total",
			Help:      "Total requests answered from the cache.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "cache_misses_total",
			Help:      "Total requests that led an origin fetch.",
		}),

		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "joins_total",
			Help:      "Total requests that joined an in-flight fetch.",
		}),

		FollowerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "follower_timeouts_total",
			Help:      "Total joined requests that gave up waiting for their leader.",
		}),

		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "fetch_errors_total",
			Help:      "Total leader fetches that failed.",
		}),

		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joinproxy",
			Name:      "store_errors_total",
			Help:      "Total cache store read or write failures.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.Joins,
		m.FollowerTimeouts,
		m.FetchErrors,
		m.StoreErrors,
	)

	return m
}

// RegisterInFlight exposes fn as the number of keys currently being fetched.
func RegisterInFlight(reg prometheus.Registerer, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "joinproxy",
		Name:      "inflight_fetches",
		Help:      "Number of keys with an origin fetch in progress.",
	}, func() float64 { return float64(fn()) }))
}

// RequestServed counts one answered request.
func (m *Metrics) RequestServed(mode, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(mode, outcome).Inc()
}

// RequestStarted tracks an active request; call the returned func when done.
func (m *Metrics) RequestStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRequests.Inc()
	return m.ActiveRequests.Dec
}

// UpstreamCall records the duration of one origin call. status is the HTTP
// status text, or "error" when no response came back.
func (m *Metrics) UpstreamCall(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(status).Observe(d.Seconds())
}

// UpstreamFailed counts one failed origin call.
func (m *Metrics) UpstreamFailed(reason string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(reason).Inc()
}
