package pendingqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pending queue depth per document.
type Metrics struct {
	depth         *prometheus.GaugeVec
	undeliverable *prometheus.GaugeVec
}

// NewMetrics registers the queue gauges with reg. A nil reg uses a private
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "officestore",
			Subsystem: "pending_queue",
			Name:      "entries",
			Help:      "Pending command entries awaiting server acknowledgement.",
		}, []string{"doc_id"}),
		undeliverable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "officestore",
			Subsystem: "pending_queue",
			Name:      "undeliverable",
			Help:      "1 when the document's pending queue is undeliverable.",
		}, []string{"doc_id"}),
	}
}

func (m *Metrics) observe(docID string, entries int, undeliverable bool) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(docID).Set(float64(entries))
	v := 0.0
	if undeliverable {
		v = 1
	}
	m.undeliverable.WithLabelValues(docID).Set(v)
}
