// Package metrics exposes the Prometheus collectors the scheduler, frontend,
// and control surface record against. Following the teacher's convention,
// collectors are package-level vars registered via promauto at import time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth is a sampled pending-work signal: 1 while any ticket is
	// pending, 0 otherwise. It does not report the exact ticket count.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchproxy_queue_depth",
		Help: "1 while any ticket is pending dispatch, 0 otherwise",
	})

	// ActiveStrategy reports which strategy is active, one gauge per
	// strategy name, 1 for the active one and 0 otherwise.
	ActiveStrategy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchproxy_active_strategy",
		Help: "1 for the currently active batching strategy, 0 otherwise",
	}, []string{"strategy"})

	// BatchSize records the size of every dispatched batch, by strategy.
	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchproxy_batch_size",
		Help:    "Size of dispatched batches",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
	}, []string{"strategy"})

	// DownstreamLatency records the downstream round-trip time per batch.
	DownstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchproxy_downstream_latency_seconds",
		Help:    "Downstream call latency per dispatched batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	// BatchErrorsTotal counts failed batches by strategy and error kind.
	BatchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchproxy_batch_errors_total",
		Help: "Total number of batches that failed, by strategy and error kind",
	}, []string{"strategy", "kind"})

	// ProxyLatency records end-to-end intake-to-response latency observed
	// by callers of /proxy_classify.
	ProxyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchproxy_proxy_latency_seconds",
		Help:    "End-to-end proxy latency observed by callers",
		Buckets: prometheus.DefBuckets,
	})
)

// SetActiveStrategy zeroes every strategy gauge except the active one.
func SetActiveStrategy(active string, all []string) {
	for _, name := range all {
		if name == active {
			ActiveStrategy.WithLabelValues(name).Set(1)
		} else {
			ActiveStrategy.WithLabelValues(name).Set(0)
		}
	}
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
