// Package metrics holds the proxy's request counters. The two headline
// counters are reported on /health; everything is also exported to
// Prometheus on a private registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeOffline   = "offline"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeRejected  = "rejected" // auth or validation failure
	OutcomeThrottled = "throttled"
)

// Stats counts gateway traffic.
type Stats struct {
	started time.Time

	totalRequests    atomic.Int64
	offlineResponses atomic.Int64

	reg         *prometheus.Registry
	requests    *prometheus.CounterVec
	offline     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	brainEvents *prometheus.CounterVec
}

// New creates Stats with its own Prometheus registry.
func New() *Stats {
	s := &Stats{
		started: time.Now(),
		reg:     prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brainproxy",
			Name:      "requests_total",
			Help:      "Gateway requests by dialect and outcome.",
		}, []string{"dialect", "outcome"}),
		offline: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brainproxy",
			Name:      "offline_responses_total",
			Help:      "Degraded responses served because no brain was connected.",
		}, []string{"dialect"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "brainproxy",
			Name:      "forward_duration_seconds",
			Help:      "Time from forwarding a request to its reply.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"dialect"}),
		brainEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brainproxy",
			Name:      "brain_events_total",
			Help:      "Brain lifecycle events (connect, disconnect, replaced, reaped, kicked).",
		}, []string{"event"}),
	}
	s.reg.MustRegister(
		s.requests, s.offline, s.latency, s.brainEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// RegisterGauges exports live values sampled at scrape time.
func (s *Stats) RegisterGauges(connectedBrains, pendingRequests, sessions func() int) {
	s.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "brainproxy", Name: "connected_brains", Help: "Registered brain connectors.",
		}, func() float64 { return float64(connectedBrains()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "brainproxy", Name: "pending_requests", Help: "Requests awaiting a brain reply.",
		}, func() float64 { return float64(pendingRequests()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "brainproxy", Name: "sessions", Help: "Stored /claude sessions.",
		}, func() float64 { return float64(sessions()) }),
	)
}

// Request records one gateway request.
func (s *Stats) Request(dialect, outcome string) {
	s.totalRequests.Add(1)
	s.requests.WithLabelValues(dialect, outcome).Inc()
	if outcome == OutcomeOffline {
		s.offlineResponses.Add(1)
		s.offline.WithLabelValues(dialect).Inc()
	}
}

// Forwarded records the round-trip time of a forwarded request.
func (s *Stats) Forwarded(dialect string, d time.Duration) {
	s.latency.WithLabelValues(dialect).Observe(d.Seconds())
}

// BrainEvent counts a connector lifecycle event.
func (s *Stats) BrainEvent(event string) {
	s.brainEvents.WithLabelValues(event).Inc()
}

// TotalRequests returns the number of gateway requests seen.
func (s *Stats) TotalRequests() int64 { return s.totalRequests.Load() }

// OfflineResponses returns the number of degraded responses served.
func (s *Stats) OfflineResponses() int64 { return s.offlineResponses.Load() }

// Uptime returns the time since New.
func (s *Stats) Uptime() time.Duration { return time.Since(s.started) }

// Handler serves the Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}
