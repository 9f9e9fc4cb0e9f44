// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package metrics exposes the engine's Prometheus instrumentation: queue
// depth by status, deployment outcomes and durations, and retry counts.
package metrics // import "github.com/toeirei/keyfleet/internal/metrics"

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks apply_queue rows per status. Refreshed by the
	// engine's metrics ticker, not on every queue mutation.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keyfleet_queue_depth",
		Help: "Number of apply queue items by status.",
	}, []string{"status"})

	// DeploymentsTotal counts finished reconciliation attempts by result
	// (success, failed, cancelled, noop).
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyfleet_deployments_total",
		Help: "Total reconciliation attempts by result.",
	}, []string{"result"})

	// DeployDuration observes wall time of a full reconciliation attempt,
	// including the remote write.
	DeployDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyfleet_deploy_duration_seconds",
		Help:    "Duration of reconciliation attempts.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RetriesTotal counts rescheduled attempts by error class.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyfleet_retries_total",
		Help: "Total retry reschedules by error class.",
	}, []string{"class"})

	// LeaseSweepsTotal counts expired leases returned to the queue.
	LeaseSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyfleet_lease_requeues_total",
		Help: "Total expired running leases requeued by the sweeper.",
	})
)

// SetQueueDepth replaces the queue depth gauge with fresh per-status
// counts. Statuses absent from counts are reset to zero.
func SetQueueDepth(counts map[string]int) {
	QueueDepth.Reset()
	for status, n := range counts {
		QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveDeployment records one finished reconciliation attempt.
func ObserveDeployment(result string, d time.Duration) {
	DeploymentsTotal.WithLabelValues(result).Inc()
	DeployDuration.Observe(d.Seconds())
}

// NewServer returns an HTTP server exposing /metrics and /healthz on addr.
// The caller owns its lifecycle.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
