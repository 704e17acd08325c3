// Package metrics exposes the per-node statistics counters the harness
// traditionally surfaces via mgmtbus_status, as Prometheus CounterVecs
// instead: added, removed, aged_out, garbage_collected, error.polling,
// update.processed, withdraw.processed.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Statistics is the counter set one node publishes, labeled by node
// name so one registry can back an entire graph.
type Statistics struct {
	registry *prometheus.Registry

	added             *prometheus.CounterVec
	removed           *prometheus.CounterVec
	agedOut           *prometheus.CounterVec
	garbageCollected  *prometheus.CounterVec
	errorPolling      *prometheus.CounterVec
	updateProcessed   *prometheus.CounterVec
	withdrawProcessed *prometheus.CounterVec
}

// NewStatistics builds a dedicated registry and registers every counter
// on it, rather than sharing the global default registry.
func NewStatistics() *Statistics {
	reg := prometheus.NewRegistry()
	s := &Statistics{
		registry: reg,
		added: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "indicators_added_total",
			Help:      "Indicators newly added by a node.",
		}, []string{"node"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "indicators_removed_total",
			Help:      "Indicators withdrawn by a node.",
		}, []string{"node"}),
		agedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "indicators_aged_out_total",
			Help:      "Indicators aged out by a node's age-out worker.",
		}, []string{"node"}),
		garbageCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "indicators_garbage_collected_total",
			Help:      "Withdrawn indicators deleted from the table.",
		}, []string{"node"}),
		errorPolling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "poll_errors_total",
			Help:      "Polling pass failures, before retry.",
		}, []string{"node"}),
		updateProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "updates_processed_total",
			Help:      "Update emits processed by a node.",
		}, []string{"node"}),
		withdrawProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "withdraws_processed_total",
			Help:      "Withdraw emits processed by a node.",
		}, []string{"node"}),
	}
	reg.MustRegister(
		s.added, s.removed, s.agedOut, s.garbageCollected,
		s.errorPolling, s.updateProcessed, s.withdrawProcessed,
	)
	return s
}

func (s *Statistics) AddedInc(node string)  { s.added.WithLabelValues(node).Inc() }
func (s *Statistics) RemovedInc(node string) { s.removed.WithLabelValues(node).Inc() }
func (s *Statistics) AgedOutInc(node string) { s.agedOut.WithLabelValues(node).Inc() }
func (s *Statistics) GarbageCollectedAdd(node string, n float64) {
	s.garbageCollected.WithLabelValues(node).Add(n)
}
func (s *Statistics) ErrorPollingInc(node string)      { s.errorPolling.WithLabelValues(node).Inc() }
func (s *Statistics) UpdateProcessedInc(node string)   { s.updateProcessed.WithLabelValues(node).Inc() }
func (s *Statistics) WithdrawProcessedInc(node string) { s.withdrawProcessed.WithLabelValues(node).Inc() }

// Server serves /metrics for a Statistics registry on its own listener,
// separate from any application traffic.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics HTTP server bound to addr.
func NewServer(addr string, stats *Statistics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(stats.registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs ListenAndServe in the background; the returned channel
// receives the eventual error (nil on a clean Shutdown).
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	return errCh
}

// Shutdown gracefully stops the metrics server, bounded by shutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

const shutdownTimeout = 5 * time.Second
