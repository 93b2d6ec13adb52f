// Package metrics records client-side counters for the API pipeline and the
// refresh coordinator.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is implemented by Collector and Nop.
type Recorder interface {
	RecordTransport(method string, statusCode int, latency time.Duration)
	RecordTransportError(method string)
	RecordCoalesced()
	RecordSuperseded()
	RecordAuthRetry()
	RecordRefresh(outcome string)
}

// Refresh outcomes.
const (
	RefreshSucceeded = "success"
	RefreshFailed    = "failure"
	RefreshJoined    = "joined"
	RefreshOrphaned  = "orphaned"
)

var _ Recorder = (*Collector)(nil)

// Collector is the Prometheus Recorder.
type Collector struct {
	transport        *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	transportLatency prometheus.Histogram
	coalesced        prometheus.Counter
	superseded       prometheus.Counter
	authRetries      prometheus.Counter
	refreshes        *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobboard_client_transport_total",
			Help: "Transport calls by method and HTTP status.",
		}, []string{"method", "status_code"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobboard_client_transport_errors_total",
			Help: "Transport calls that failed before a response was received.",
		}, []string{"method"}),
		transportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobboard_client_transport_latency_seconds",
			Help:    "Transport call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobboard_client_coalesced_total",
			Help: "Requests served by joining an identical in-flight read.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobboard_client_superseded_total",
			Help: "In-flight mutations cancelled by a newer call to the same endpoint.",
		}),
		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobboard_client_auth_retries_total",
			Help: "Requests re-issued after a 401 and a credential refresh.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobboard_client_refresh_total",
			Help: "Credential refresh requests by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.transport,
		c.transportErrors,
		c.transportLatency,
		c.coalesced,
		c.superseded,
		c.authRetries,
		c.refreshes,
	)
	return c
}

func (c *Collector) RecordTransport(method string, statusCode int, latency time.Duration) {
	c.transport.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.transportLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordTransportError(method string) {
	c.transportErrors.WithLabelValues(method).Inc()
}

func (c *Collector) RecordCoalesced() {
	c.coalesced.Inc()
}

func (c *Collector) RecordSuperseded() {
	c.superseded.Inc()
}

func (c *Collector) RecordAuthRetry() {
	c.authRetries.Inc()
}

func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordTransport(string, int, time.Duration) {}
func (Nop) RecordTransportError(string)                {}
func (Nop) RecordCoalesced()                           {}
func (Nop) RecordSuperseded()                          {}
func (Nop) RecordAuthRetry()                           {}
func (Nop) RecordRefresh(string)                       {}
