package idb

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "officestore"
	subsystem = "idb"
)

// RequestTracker counts in-flight requests and their outcomes.
type RequestTracker struct {
	pending  atomic.Int64
	inFlight prometheus.Gauge
	total    *prometheus.CounterVec
}

// NewRequestTracker registers the request metrics on reg. A nil reg uses a
// private registry.
func NewRequestTracker(reg prometheus.Registerer) *RequestTracker {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &RequestTracker{
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_in_flight",
			Help:      "Number of storage requests issued but not yet settled",
		}),
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of storage requests by store, operation and outcome",
		}, []string{"store", "op", "outcome"}),
	}
}

func (t *RequestTracker) begin() {
	if t == nil {
		return
	}
	t.pending.Add(1)
	t.inFlight.Inc()
}

func (t *RequestTracker) end(store, op string, err error) {
	if t == nil {
		return
	}
	t.pending.Add(-1)
	t.inFlight.Dec()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	t.total.WithLabelValues(store, op, outcome).Inc()
}

// Pending returns the number of unsettled requests.
func (t *RequestTracker) Pending() int64 {
	if t == nil {
		return 0
	}
	return t.pending.Load()
}
